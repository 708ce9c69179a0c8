package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

const writeTimeout = 5 * time.Second

// VerdictStream 通过 WebSocket 推送实时分类结果
type VerdictStream struct {
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
	clients     map[*websocket.Conn]string // 连接 -> 订阅的类型（空为全部）
	clientMutex sync.RWMutex
	broadcast   chan *domain.VerdictEvent
}

// NewVerdictStream 创建实时结果推送器
func NewVerdictStream(logger *logrus.Logger) *VerdictStream {
	return &VerdictStream{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan *domain.VerdictEvent, 100),
	}
}

// Start 启动广播协程，ctx 结束后关闭所有连接
func (s *VerdictStream) Start(ctx context.Context) {
	go s.runBroadcaster(ctx)
}

func (s *VerdictStream) runBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case event := <-s.broadcast:
			s.deliver(event)
		}
	}
}

// deliver 只有广播协程写连接
func (s *VerdictStream) deliver(event *domain.VerdictEvent) {
	s.clientMutex.RLock()
	var failed []*websocket.Conn
	for conn, typ := range s.clients {
		if typ != "" && (event.Verdict == nil || event.Verdict.Type != typ) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(event); err != nil {
			s.logger.WithError(err).Warn("Failed to write to WebSocket client")
			failed = append(failed, conn)
		}
	}
	s.clientMutex.RUnlock()

	if len(failed) == 0 {
		return
	}
	s.clientMutex.Lock()
	for _, conn := range failed {
		conn.Close()
		delete(s.clients, conn)
	}
	s.clientMutex.Unlock()
}

func (s *VerdictStream) closeAll() {
	s.clientMutex.Lock()
	defer s.clientMutex.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

// HandleWebSocket 处理 WebSocket 连接
// GET /ws/verdicts?type=malware
func (s *VerdictStream) HandleWebSocket(c *gin.Context) {
	typ := c.Query("type")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close()

	s.clientMutex.Lock()
	s.clients[conn] = typ
	s.clientMutex.Unlock()

	s.logger.WithField("type", typ).Info("WebSocket client connected")

	// 客户端只订阅，读循环仅用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	s.clientMutex.Lock()
	delete(s.clients, conn)
	s.clientMutex.Unlock()

	s.logger.WithField("type", typ).Info("WebSocket client disconnected")
}

// NotifyVerdict 推送分类结果，缓冲区满时丢弃
func (s *VerdictStream) NotifyVerdict(ctx context.Context, event *domain.VerdictEvent) error {
	select {
	case s.broadcast <- event:
	default:
		s.logger.WithField("verdict_id", event.ID).Warn("Broadcast channel is full, dropping verdict")
	}
	return nil
}

// ClientCount 当前连接数
func (s *VerdictStream) ClientCount() int {
	s.clientMutex.RLock()
	defer s.clientMutex.RUnlock()
	return len(s.clients)
}
