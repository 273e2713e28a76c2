package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"
)

const (
	qrCodeSize         = 256
	shutdownTimeout    = 5 * time.Second
	healthRecentEvents = 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Server owns every piece of shared session state: the campaign, the policy,
// the connection registry and the asset pump.
type Server struct {
	cfg      Config
	db       *DB
	auth     *Auth
	store    *Store
	policy   *policyHolder
	hub      *Hub
	pump     *AssetPump
	disp     *Dispatcher
	journal  *Journal
	registry *Registry
}

// NewServer builds a server around an opened database.
func NewServer(cfg Config, db *DB) (*Server, error) {
	auth, err := NewAuth(db, cfg.GMPassword, cfg.PlayerPassword, cfg.RegistrySecret)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	s := &Server{
		cfg:     cfg,
		db:      db,
		auth:    auth,
		store:   NewStore(NewCampaign(cfg.CampaignName)),
		policy:  &policyHolder{policy: DefaultServerPolicy()},
		pump:    NewAssetPump(cfg.AssetChunkSize),
		journal: NewJournal(db),
	}
	s.hub = NewHub(s.store, s.policy, s.pump)
	s.hub.journal = s.journal
	s.disp = NewDispatcher(s.hub, s.store, s.policy, s.pump, db)
	s.registry, err = NewRegistry(cfg, auth, s.notifyGMs)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return s, nil
}

func (s *Server) handshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		Version:     s.cfg.Version,
		ServerName:  s.cfg.ServerName,
		EasyConnect: s.cfg.UseEasyConnect,
	}
}

func (s *Server) notifyGMs(text string) {
	s.hub.SendToGMs(MsgMessage, ChatMsg{Text: text})
}

// joinURL is the address players connect to, as encoded in the QR code.
func (s *Server) joinURL(r *http.Request) string {
	host := s.cfg.HostName
	if host == "" {
		host = r.Host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		if port, err := s.cfg.Port(); err == nil {
			host = net.JoinHostPort(host, fmt.Sprint(port))
		}
	}
	return (&url.URL{Scheme: "ws", Host: host, Path: "/ws"}).String()
}

// SetupRoutes configures HTTP routes. Connections accepted through them live
// until ctx is done.
func (s *Server) SetupRoutes(ctx context.Context) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !s.hub.CanAccept(ip) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			Log.WithError(err).WithField("ip", ip).Warn("upgrade error")
			return
		}

		s.hub.TrackConnect(ip)

		client := NewClient(s, conn, ip)
		if !s.hub.Register(client) {
			s.hub.TrackDisconnect(ip)
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump(ctx)
	})

	mux.HandleFunc("/connect.png", func(w http.ResponseWriter, r *http.Request) {
		png, err := qrcode.Encode(s.joinURL(r), qrcode.Medium, qrCodeSize)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(png)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		events, err := s.journal.EventCounts(r.Context(), time.Now().Add(-24*time.Hour))
		if err != nil {
			Log.WithError(err).Warn("journal query failed")
		}
		recent, err := s.journal.RecentEvents(r.Context(), healthRecentEvents)
		if err != nil {
			Log.WithError(err).Warn("journal query failed")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"campaign": s.store.CampaignName(),
			"clients":  s.hub.ClientCount(),
			"players":  s.hub.PlayerCount(),
			"events":   events,
			"recent":   recent,
		})
	})

	return mux
}

// Serve runs the server on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{Handler: s.SetupRoutes(ctx)}

	g.Go(func() error { return s.hub.Run(ctx) })
	g.Go(func() error { return s.pump.Run(ctx) })
	g.Go(func() error { return s.journal.Run(ctx) })
	if s.registry != nil {
		g.Go(func() error { return s.registry.Run(ctx) })
	}
	g.Go(func() error {
		Log.WithFields(logrus.Fields{"addr": ln.Addr().String(), "campaign": s.store.CampaignName()}).Info("server starting")
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		Log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
