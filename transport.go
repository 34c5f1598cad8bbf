package feedsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// PushTransport is the one shared connection to the push channel for a
// client session. Scopes are multiplexed over it as rooms; screens retain a
// reference instead of opening their own socket, so events are delivered
// exactly once per client no matter how many screens are mounted.

const TransportSendBufferSize = 32

type PushTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultPushTransportSettings() *PushTransportSettings {
	return &PushTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

type receiveFunction func(message []byte)
type connectionStatusFunction func(connected bool)

type PushTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	transportUrl string
	session      *Session

	settings *PushTransportSettings

	stateLock sync.Mutex
	refCount  int
	runCancel context.CancelFunc
	send      chan []byte
	connected bool

	receiveCallbacks          *CallbackList[receiveFunction]
	connectionStatusCallbacks *CallbackList[connectionStatusFunction]
}

func NewPushTransportWithDefaults(
	ctx context.Context,
	transportUrl string,
	session *Session,
) *PushTransport {
	return NewPushTransport(ctx, transportUrl, session, DefaultPushTransportSettings())
}

func NewPushTransport(
	ctx context.Context,
	transportUrl string,
	session *Session,
	settings *PushTransportSettings,
) *PushTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &PushTransport{
		ctx:                       cancelCtx,
		cancel:                    cancel,
		transportUrl:              transportUrl,
		session:                   session,
		settings:                  settings,
		receiveCallbacks:          NewCallbackList[receiveFunction](),
		connectionStatusCallbacks: NewCallbackList[connectionStatusFunction](),
	}
}

// Retain adds a reference. The first reference starts the connection run
// loop.
func (self *PushTransport) Retain() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.refCount += 1
	if self.refCount == 1 {
		runCtx, runCancel := context.WithCancel(self.ctx)
		self.runCancel = runCancel
		go self.run(runCtx)
	}
}

// Release drops a reference. The last release tears the connection down.
func (self *PushTransport) Release() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.refCount == 0 {
		return
	}
	self.refCount -= 1
	if self.refCount == 0 && self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
}

func (self *PushTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *PushTransport) AddReceiveCallback(receiveCallback receiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

// the callback fires with true after every successful connect, including
// reconnects. the room manager uses it to rejoin held rooms, and scope
// sessions use it to re-fetch their current page after a transport gap.
func (self *PushTransport) AddConnectionStatusCallback(connectionStatusCallback connectionStatusFunction) func() {
	callbackId := self.connectionStatusCallbacks.Add(connectionStatusCallback)
	return func() {
		self.connectionStatusCallbacks.Remove(callbackId)
	}
}

// SendFrame enqueues one frame for the current connection. Send fails when
// the transport is disconnected; the caller decides whether the frame is
// replayed on reconnect.
func (self *PushTransport) SendFrame(frame *PushFrame) error {
	message, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return self.sendMessage(message)
}

func (self *PushTransport) sendMessage(message []byte) error {
	self.stateLock.Lock()
	send := self.send
	connected := self.connected
	self.stateLock.Unlock()

	if !connected || send == nil {
		return ErrTransportClosed
	}

	select {
	case send <- message:
		return nil
	case <-self.ctx.Done():
		return ErrTransportClosed
	case <-time.After(self.settings.WriteTimeout):
		// backpressure timeout
		return ErrTransportClosed
	}
}

func (self *PushTransport) setConnected(connected bool, send chan []byte) {
	self.stateLock.Lock()
	self.connected = connected
	self.send = send
	self.stateLock.Unlock()

	for _, connectionStatusCallback := range self.connectionStatusCallbacks.Get() {
		connectionStatusCallback(connected)
	}
}

func (self *PushTransport) run(ctx context.Context) {
	defer self.setConnected(false, nil)

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			header := http.Header{}
			if byJwt := self.session.ByJwt(); byJwt != "" {
				header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
			}
			ws, _, err := dialer.DialContext(ctx, self.transportUrl, header)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[pt]connect error = %s\n", err)
			select {
			case <-ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(ctx)
			defer handleCancel()

			send := make(chan []byte, TransportSendBufferSize)

			self.setConnected(true, send)
			defer self.setConnected(false, nil)

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			ws.SetPongHandler(func(string) error {
				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				return nil
			})

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[pts]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[pts]->\n")
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.PingMessage, make([]byte, 0)); err != nil {
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
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[ptr]<- error = %s\n", err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						if len(message) == 0 {
							continue
						}
						glog.V(2).Infof("[ptr]<-\n")
						for _, receiveCallback := range self.receiveCallbacks.Get() {
							receiveCallback(message)
						}
					default:
						glog.V(2).Infof("[ptr]other=%d <-\n", messageType)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		c()

		select {
		case <-ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *PushTransport) Close() {
	self.cancel()
}
