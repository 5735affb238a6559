package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// SubjectPrefix prefixes every published subject.
const SubjectPrefix = "sitekeeper"

// NATS publishes events as JSON on sitekeeper.<type>.<site>.
type NATS struct {
	conn *nats.Conn
	now  func() time.Time
}

// ConnectNATS dials url and returns a publisher.
func ConnectNATS(url string, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("sitekeeper"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATS{conn: conn, now: time.Now}, nil
}

// Subject returns the subject an event is published on.
func Subject(event Event) string {
	site := event.SiteName
	if site == "" {
		site = event.SiteID
	}
	site = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(site)
	if site == "" {
		site = "_"
	}
	return SubjectPrefix + "." + event.Type + "." + site
}

// Publish implements Publisher.
func (n *NATS) Publish(_ context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = n.now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(Subject(event), body); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Conn exposes the underlying connection for subscribers.
func (n *NATS) Conn() *nats.Conn { return n.conn }

// Close drains the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

// EmbeddedServer runs an in-process NATS server for single-binary setups.
type EmbeddedServer struct {
	srv *server.Server
}

// StartEmbedded boots a NATS server bound to loopback on port.
func StartEmbedded(port int, storeDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "sitekeeper",
		Host:       "127.0.0.1",
		Port:       port,
		NoSigs:     true,
		NoLog:      true,
		StoreDir:   storeDir,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("nats server not ready on port %d", port)
	}
	return &EmbeddedServer{srv: srv}, nil
}

// ClientURL returns the URL clients should dial.
func (e *EmbeddedServer) ClientURL() string { return e.srv.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
