// Package monitor streams a read-only view of proxied traffic to WebSocket subscribers.
package monitor

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/stasis-proxy/internal"
	"github.com/sessamekesh/stasis-proxy/pkg/connection"
	"github.com/sessamekesh/stasis-proxy/pkg/message"
	utils "github.com/sessamekesh/stasis-proxy/pkg/util"
	"go.uber.org/zap"
)

const HandlerName = "monitor"

// ConnectionSource lists live connections for the status endpoint. Both proxies implement it.
type ConnectionSource interface {
	Connections() []internal.ConnectionSummary
}

type MonitorParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	// SubscriberBufferLength bounds how far a subscriber may fall behind before events
	// are dropped for it.
	SubscriberBufferLength int
	PreviewBytes           int

	Sources []ConnectionSource

	Logger *zap.Logger
}

// Event describes one segment as it passed through a connection.
type Event struct {
	Time           time.Time `json:"time"`
	ConnectionId   string    `json:"connectionId"`
	Proxy          string    `json:"proxy"`
	Direction      string    `json:"direction"`
	ConnectionType string    `json:"connectionType"`
	SegmentType    string    `json:"segmentType"`
	SourceActor    uint32    `json:"sourceActor"`
	TargetActor    uint32    `json:"targetActor"`
	Opcode         *uint16   `json:"opcode,omitempty"`
	Size           int       `json:"size"`
	Preview        string    `json:"preview"`
}

type monitor struct {
	params   MonitorParams
	upgrader *websocket.Upgrader
	log      *zap.Logger

	stringGen *utils.RandomStringGenerator

	mut_subscribers sync.RWMutex
	subscribers     map[string]chan Event
	subscriberCount atomic.Int32
	dropped         atomic.Uint64

	ready     chan struct{}
	mut_addr  sync.RWMutex
	boundAddr net.Addr
}

func checkOrigin(r *http.Request, params MonitorParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

func CreateMonitor(params MonitorParams) (*monitor, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenAddress == "" {
		params.ListenAddress = ":9090"
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/monitor"
	}
	if params.SubscriberBufferLength <= 0 {
		params.SubscriberBufferLength = 256
	}
	if params.PreviewBytes <= 0 {
		params.PreviewBytes = 32
	}

	return &monitor{
		params: params,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		log:         logger.With(zap.String("handler", "Monitor")),
		stringGen:   utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
		subscribers: make(map[string]chan Event),
		ready:       make(chan struct{}),
	}, nil
}

// Attach registers the monitor as a segment observer. It never drops or edits traffic.
func (m *monitor) Attach(h *connection.Handlers) error {
	return h.OnSegment(HandlerName, m.onSegment)
}

func (m *monitor) SubscriberCount() int {
	return int(m.subscriberCount.Load())
}

// Dropped counts events discarded because a subscriber was too slow.
func (m *monitor) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *monitor) Ready() <-chan struct{} {
	return m.ready
}

func (m *monitor) Addr() net.Addr {
	m.mut_addr.RLock()
	defer m.mut_addr.RUnlock()
	return m.boundAddr
}

func (m *monitor) onSegment(c *connection.Connection, ev *connection.SegmentEvent) error {
	if m.subscriberCount.Load() == 0 {
		return nil
	}

	event := Event{
		Time:         time.Now(),
		ConnectionId: c.Id().String(),
		Proxy:        c.Kind().String(),
		Direction:    ev.Direction.String(),
		SegmentType:  ev.SegmentHeader.SegmentType.String(),
		SourceActor:  ev.SegmentHeader.SourceActor,
		TargetActor:  ev.SegmentHeader.TargetActor,
		Size:         len(ev.Data),
	}
	if t, ok := c.Type(); ok {
		event.ConnectionType = t.String()
	}

	payload := ev.Data
	if ev.SegmentHeader.SegmentType == message.SegmentType_Ipc && len(ev.Data) >= message.MessageHeaderSize {
		header, err := message.ParseMessageHeader(ev.Data)
		if err == nil {
			opcode := header.Opcode
			event.Opcode = &opcode
			payload = ev.Data[message.MessageHeaderSize:]
		}
	}
	if len(payload) > m.params.PreviewBytes {
		payload = payload[:m.params.PreviewBytes]
	}
	event.Preview = hex.EncodeToString(payload)

	m.publish(event)
	return nil
}

func (m *monitor) publish(event Event) {
	m.mut_subscribers.RLock()
	defer m.mut_subscribers.RUnlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			m.dropped.Add(1)
		}
	}
}

func (m *monitor) subscribe(id string) chan Event {
	ch := make(chan Event, m.params.SubscriberBufferLength)

	m.mut_subscribers.Lock()
	defer m.mut_subscribers.Unlock()
	m.subscribers[id] = ch
	m.subscriberCount.Store(int32(len(m.subscribers)))
	return ch
}

func (m *monitor) unsubscribe(id string) {
	m.mut_subscribers.Lock()
	defer m.mut_subscribers.Unlock()
	delete(m.subscribers, id)
	m.subscriberCount.Store(int32(len(m.subscribers)))
}

func (m *monitor) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	id := m.stringGen.GetRandomString(6)
	log := m.log.With(zap.String("subscriberId", id))

	log.Info("New monitor subscriber request")
	c, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	events := m.subscribe(id)
	defer m.unsubscribe(id)

	// Subscribers never send anything meaningful; reading only surfaces the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, expectedCloseErrors...) {
					log.Warn("Monitor subscriber closed unexpectedly", zap.Error(err))
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Proxy shutdown"),
				time.Now().Add(time.Second))
			return
		case <-closed:
			log.Info("Monitor subscriber left")
			return
		case event := <-events:
			if err := c.WriteJSON(event); err != nil {
				log.Info("Failed to write to monitor subscriber, dropping it", zap.Error(err))
				return
			}
		}
	}
}

func (m *monitor) onConnectionsRequest(w http.ResponseWriter, r *http.Request) {
	summaries := []internal.ConnectionSummary{}
	for _, source := range m.params.Sources {
		summaries = append(summaries, source.Connections()...)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summaries); err != nil {
		m.log.Warn("Failed to write connection list", zap.Error(err))
	}
}

func (m *monitor) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(m.params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		m.onWsRequest(ctx, w, r)
	})
	mux.HandleFunc("/connections", m.onConnectionsRequest)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", m.params.ListenAddress)
	if err != nil {
		m.log.Error("Failed to listen", zap.String("address", m.params.ListenAddress), zap.Error(err))
		return err
	}
	m.mut_addr.Lock()
	m.boundAddr = ln.Addr()
	m.mut_addr.Unlock()
	close(m.ready)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		m.log.Sugar().Infof("Starting monitor server at %s", ln.Addr())
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("Unexpected monitor server close!", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		m.log.Info("Attempting to trigger shutdown of monitor server")

		if err := server.Shutdown(shutdownCtx); err != nil {
			m.log.Error("Failed to gracefully shut down monitor server", zap.Error(err))
			return
		}
		m.log.Info("Successfully shutdown monitor server")
	}()

	wg.Wait()

	m.log.Info("All monitor goroutines finished. Exiting gracefully!")
	return nil
}
