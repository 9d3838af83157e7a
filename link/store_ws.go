package link

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// json protocol with the hosted store over a single websocket.
// requests carry a `rid` and complete with one `result` message.
// subscriptions carry a `sid` and stream `event` messages until
// unsubscribed. the socket reconnects forever and re-opens every
// active subscription after each reconnect.

type WsStoreSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration

	SendBufferSize  int
	EventBufferSize int

	TransactRetryLimit int
}

func DefaultWsStoreSettings() *WsStoreSettings {
	return &WsStoreSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     15 * time.Second,
		SendBufferSize:     32,
		EventBufferSize:    128,
		TransactRetryLimit: 8,
	}
}

type StoreAuth struct {
	Jwt        string
	AppVersion string
}

type wsMessage struct {
	Type string `json:"type"`
	Rid  int64  `json:"rid,omitempty"`
	Sid  int64  `json:"sid,omitempty"`

	Path   string          `json:"path,omitempty"`
	Key    string          `json:"key,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Expect json.RawMessage `json:"expect,omitempty"`
	Fields map[string]any  `json:"fields,omitempty"`

	StartTimeMillis int64 `json:"start_time_millis,omitempty"`
	WindowMillis    int64 `json:"window_millis,omitempty"`
	LimitLast       int   `json:"limit_last,omitempty"`

	Event    string                     `json:"event,omitempty"`
	Children map[string]json.RawMessage `json:"children,omitempty"`
	Conflict bool                       `json:"conflict,omitempty"`
	Error    string                     `json:"error,omitempty"`

	Jwt        string `json:"jwt,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

type WsStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth *StoreAuth

	settings *WsStoreSettings

	send chan []byte

	mutex         sync.Mutex
	nextRequestId int64
	nextSubId     int64
	requests      map[int64]chan *wsMessage
	subs          map[int64]*wsSubscription
}

func NewWsStoreWithDefaults(ctx context.Context, url string, auth *StoreAuth) *WsStore {
	return NewWsStore(ctx, url, auth, DefaultWsStoreSettings())
}

func NewWsStore(ctx context.Context, url string, auth *StoreAuth, settings *WsStoreSettings) *WsStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &WsStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		url:      url,
		auth:     auth,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
		requests: map[int64]chan *wsMessage{},
		subs:     map[int64]*wsSubscription{},
	}
	go store.run()
	return store
}

func (self *WsStore) run() {
	defer self.cancel()

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authBytes, err := json.Marshal(&wsMessage{
				Type:       "auth",
				Jwt:        self.auth.Jwt,
				AppVersion: self.auth.AppVersion,
			})
			if err != nil {
				return nil, err
			}

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			var authResult wsMessage
			if err := json.Unmarshal(message, &authResult); err != nil {
				return nil, err
			}
			if authResult.Error != "" {
				return nil, fmt.Errorf("Auth response error: %s", authResult.Error)
			}

			success = true
			return ws, nil
		}

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		ws, err := connect()
		if err != nil {
			glog.Infof("[ws]auth error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.resubscribe()

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[ws]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[ws]->\n")
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, []byte("{}")); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					_, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[ws]<- error = %s\n", err)
						return
					}

					var m wsMessage
					if err := json.Unmarshal(message, &m); err != nil {
						glog.Infof("[ws]<- bad message = %s\n", err)
						continue
					}
					self.dispatch(&m)
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		c()
		self.failPendingRequests()
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *WsStore) dispatch(m *wsMessage) {
	switch m.Type {
	case "result":
		self.mutex.Lock()
		result, ok := self.requests[m.Rid]
		delete(self.requests, m.Rid)
		self.mutex.Unlock()
		if ok {
			result <- m
		}
	case "event":
		self.mutex.Lock()
		sub, ok := self.subs[m.Sid]
		self.mutex.Unlock()
		if ok {
			sub.deliver(StoreEvent{
				Type:  StoreEventType(m.Event),
				Path:  sub.path,
				Key:   m.Key,
				Value: m.Value,
			})
		}
	default:
		glog.V(2).Infof("[ws]<- other=%s\n", m.Type)
	}
}

func (self *WsStore) failPendingRequests() {
	self.mutex.Lock()
	requests := self.requests
	self.requests = map[int64]chan *wsMessage{}
	self.mutex.Unlock()

	for _, result := range requests {
		result <- &wsMessage{
			Type:  "result",
			Error: "connection lost",
		}
	}
}

func (self *WsStore) resubscribe() {
	self.mutex.Lock()
	subs := make([]*wsSubscription, 0, len(self.subs))
	for _, sub := range self.subs {
		subs = append(subs, sub)
	}
	self.mutex.Unlock()

	for _, sub := range subs {
		self.enqueue(sub.subscribeMessage())
	}
}

func (self *WsStore) enqueue(m *wsMessage) bool {
	message, err := json.Marshal(m)
	if err != nil {
		return false
	}
	select {
	case self.send <- message:
		return true
	case <-self.ctx.Done():
		return false
	}
}

func (self *WsStore) request(ctx context.Context, m *wsMessage) (*wsMessage, error) {
	result := make(chan *wsMessage, 1)

	self.mutex.Lock()
	self.nextRequestId += 1
	m.Rid = self.nextRequestId
	self.requests[m.Rid] = result
	self.mutex.Unlock()

	if !self.enqueue(m) {
		self.mutex.Lock()
		delete(self.requests, m.Rid)
		self.mutex.Unlock()
		return nil, &TransportError{Path: m.Path, Err: fmt.Errorf("store closed")}
	}

	select {
	case r := <-result:
		if r.Error != "" {
			return nil, &TransportError{Path: m.Path, Err: fmt.Errorf("%s", r.Error)}
		}
		return r, nil
	case <-ctx.Done():
		self.mutex.Lock()
		delete(self.requests, m.Rid)
		self.mutex.Unlock()
		return nil, ctx.Err()
	case <-time.After(self.settings.RequestTimeout):
		self.mutex.Lock()
		delete(self.requests, m.Rid)
		self.mutex.Unlock()
		return nil, &TimeoutError{Op: m.Type, Err: fmt.Errorf("no result for %s", m.Path)}
	}
}

// RemoteStore

func (self *WsStore) Get(ctx context.Context, path string) ([]byte, error) {
	r, err := self.request(ctx, &wsMessage{Type: "get", Path: path})
	if err != nil {
		return nil, err
	}
	return r.Value, nil
}

func (self *WsStore) Set(ctx context.Context, path string, value []byte) error {
	_, err := self.request(ctx, &wsMessage{Type: "set", Path: path, Value: value})
	return err
}

func (self *WsStore) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := self.request(ctx, &wsMessage{Type: "update", Path: path, Fields: fields})
	return err
}

func (self *WsStore) Delete(ctx context.Context, path string) error {
	_, err := self.request(ctx, &wsMessage{Type: "delete", Path: path})
	return err
}

func (self *WsStore) Children(ctx context.Context, path string) (map[string][]byte, error) {
	r, err := self.request(ctx, &wsMessage{Type: "children", Path: path})
	if err != nil {
		return nil, err
	}
	children := map[string][]byte{}
	for key, value := range r.Children {
		children[key] = value
	}
	return children, nil
}

// compare-and-swap against the last read value, retried on contention
func (self *WsStore) Transact(ctx context.Context, path string, fn func(current []byte) ([]byte, error)) error {
	for i := 0; i < self.settings.TransactRetryLimit; i += 1 {
		current, err := self.Get(ctx, path)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		r, err := self.request(ctx, &wsMessage{
			Type:   "cas",
			Path:   path,
			Expect: current,
			Value:  next,
		})
		if err != nil {
			return err
		}
		if !r.Conflict {
			return nil
		}
	}
	return &TransportError{Path: path, Err: fmt.Errorf("transact contention")}
}

func (self *WsStore) SubscribeChildEvents(ctx context.Context, path string, scope SubscribeScope) (ChildEvents, error) {
	sub := &wsSubscription{
		store:  self,
		path:   path,
		scope:  scope,
		events: make(chan StoreEvent, self.settings.EventBufferSize),
	}

	self.mutex.Lock()
	self.nextSubId += 1
	sub.sid = self.nextSubId
	self.subs[sub.sid] = sub
	self.mutex.Unlock()

	self.enqueue(sub.subscribeMessage())

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-self.ctx.Done():
			sub.Close()
		}
	}()

	return sub, nil
}

func (self *WsStore) Close() {
	self.cancel()
}

type wsSubscription struct {
	store *WsStore
	sid   int64
	path  string
	scope SubscribeScope

	closeOnce sync.Once
	events    chan StoreEvent
	closed    bool
	mutex     sync.Mutex
}

func (self *wsSubscription) subscribeMessage() *wsMessage {
	m := &wsMessage{
		Type:      "subscribe",
		Sid:       self.sid,
		Path:      self.path,
		LimitLast: self.scope.LimitLast,
	}
	if !self.scope.StartTime.IsZero() {
		m.StartTimeMillis = self.scope.StartTime.UnixMilli()
	}
	if self.scope.Window != 0 {
		m.WindowMillis = self.scope.Window.Milliseconds()
	}
	return m
}

func (self *wsSubscription) deliver(event StoreEvent) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return
	}
	select {
	case self.events <- event:
	default:
		glog.Infof("[ws]drop event %s/%s\n", event.Path, event.Key)
	}
}

func (self *wsSubscription) Events() <-chan StoreEvent {
	return self.events
}

func (self *wsSubscription) Close() {
	self.closeOnce.Do(func() {
		self.store.mutex.Lock()
		delete(self.store.subs, self.sid)
		self.store.mutex.Unlock()

		// best effort. the server also drops the sid on disconnect.
		go self.store.enqueue(&wsMessage{
			Type: "unsubscribe",
			Sid:  self.sid,
		})

		self.mutex.Lock()
		self.closed = true
		close(self.events)
		self.mutex.Unlock()
	})
}
