package internal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sessamekesh/stasis-proxy/pkg/connection"
)

type DuplicateConnectionIdError struct {
	Id uuid.UUID
}

func (e *DuplicateConnectionIdError) Error() string {
	return fmt.Sprintf("Attempted to register connection with duplicate ID %s", e.Id)
}

type MissingConnectionIdError struct {
	Id uuid.UUID
}

func (e *MissingConnectionIdError) Error() string {
	return fmt.Sprintf("Missing connection with id=%s", e.Id)
}

type TooManyConnectionsError struct {
	Limit int
}

func (e *TooManyConnectionsError) Error() string {
	return fmt.Sprintf("Too many connections are open (limit %d) - cannot accept new connection", e.Limit)
}

type ConnectionMetadata struct {
	Conn        *connection.Connection
	ProxyName   string
	CreatedTime time.Time
}

// ConnectionSummary is a point in time copy of one live connection, safe to serialize.
type ConnectionSummary struct {
	Id                uuid.UUID `json:"id"`
	Proxy             string    `json:"proxy"`
	ClientAddr        string    `json:"clientAddr"`
	ConnectionType    string    `json:"connectionType"`
	Encrypted         bool      `json:"encrypted"`
	CreatedTime       time.Time `json:"createdTime"`
	FramesServerbound uint64    `json:"framesServerbound"`
	FramesClientbound uint64    `json:"framesClientbound"`
	LastServerbound   time.Time `json:"lastServerbound"`
	LastClientbound   time.Time `json:"lastClientbound"`
}

type ConnectionStore struct {
	// MaxConnections of zero means unlimited.
	MaxConnections int

	mut_connections sync.RWMutex
	connections     map[uuid.UUID]*ConnectionMetadata
}

func CreateConnectionStore(maxConnections int) *ConnectionStore {
	return &ConnectionStore{
		MaxConnections:  maxConnections,
		mut_connections: sync.RWMutex{},
		connections:     make(map[uuid.UUID]*ConnectionMetadata),
	}
}

// Full reports whether a new connection would be refused right now.
func (store *ConnectionStore) Full() bool {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	return store.MaxConnections > 0 && len(store.connections) >= store.MaxConnections
}

func (store *ConnectionStore) Add(conn *connection.Connection, proxyName string, now time.Time) error {
	store.mut_connections.Lock()
	defer store.mut_connections.Unlock()

	if _, has := store.connections[conn.Id()]; has {
		return &DuplicateConnectionIdError{Id: conn.Id()}
	}

	if store.MaxConnections > 0 && len(store.connections) >= store.MaxConnections {
		return &TooManyConnectionsError{Limit: store.MaxConnections}
	}

	store.connections[conn.Id()] = &ConnectionMetadata{
		Conn:        conn,
		ProxyName:   proxyName,
		CreatedTime: now,
	}
	return nil
}

func (store *ConnectionStore) Remove(id uuid.UUID) {
	store.mut_connections.Lock()
	defer store.mut_connections.Unlock()
	delete(store.connections, id)
}

func (store *ConnectionStore) Has(id uuid.UUID) bool {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	_, has := store.connections[id]
	return has
}

func (store *ConnectionStore) Get(id uuid.UUID) (*connection.Connection, error) {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	metadata, has := store.connections[id]
	if !has {
		return nil, &MissingConnectionIdError{Id: id}
	}
	return metadata.Conn, nil
}

func (store *ConnectionStore) Count() int {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()
	return len(store.connections)
}

// Snapshot lists live connections, oldest first.
func (store *ConnectionStore) Snapshot() []ConnectionSummary {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	out := make([]ConnectionSummary, 0, len(store.connections))
	for id, metadata := range store.connections {
		stats := metadata.Conn.Stats()
		summary := ConnectionSummary{
			Id:                id,
			Proxy:             metadata.ProxyName,
			Encrypted:         metadata.Conn.Encrypted(),
			CreatedTime:       metadata.CreatedTime,
			FramesServerbound: stats.FramesServerbound,
			FramesClientbound: stats.FramesClientbound,
			LastServerbound:   stats.LastServerbound,
			LastClientbound:   stats.LastClientbound,
		}
		if addr := metadata.Conn.ClientAddr(); addr != nil {
			summary.ClientAddr = addr.String()
		}
		if t, ok := metadata.Conn.Type(); ok {
			summary.ConnectionType = t.String()
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedTime.Before(out[j].CreatedTime)
	})
	return out
}

// GetIdleConnectionList returns connections with no forwarded frame, in either direction,
// since deadline. A connection that never forwarded anything is measured from its creation.
func (store *ConnectionStore) GetIdleConnectionList(deadline time.Time) []uuid.UUID {
	store.mut_connections.RLock()
	defer store.mut_connections.RUnlock()

	idle := []uuid.UUID{}
	for id, metadata := range store.connections {
		stats := metadata.Conn.Stats()
		lastActive := metadata.CreatedTime
		if stats.LastServerbound.After(lastActive) {
			lastActive = stats.LastServerbound
		}
		if stats.LastClientbound.After(lastActive) {
			lastActive = stats.LastClientbound
		}

		if lastActive.Before(deadline) {
			idle = append(idle, id)
		}
	}

	return idle
}
