package vnc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/WenyuanLau/stratovirt/display"
	"github.com/WenyuanLau/stratovirt/input"
	"github.com/WenyuanLau/stratovirt/metrics"
	"github.com/WenyuanLau/stratovirt/virtio"
)

// InputFunc receives decoded client input bursts for injection into the
// guest.
type InputFunc func(events []virtio.InputEvent)

// Config carries the service's listen and authentication settings.
type Config struct {
	Addr          string
	AuthThreshold int
	Mechanisms    []string
}

// Server accepts display connections and runs one session per client.
type Server struct {
	cfg    Config
	store  *UserStore
	hub    *display.Hub
	inject InputFunc
	logger *logrus.Entry

	lis net.Listener
}

// NewServer wires the service to its credential store, frame source and
// input sink. inject may be nil when no input device is configured.
func NewServer(cfg Config, store *UserStore, hub *display.Hub, inject InputFunc) *Server {
	if cfg.AuthThreshold <= 0 {
		cfg.AuthThreshold = DefaultAuthThreshold
	}

	if len(cfg.Mechanisms) == 0 {
		cfg.Mechanisms = []string{MechScram, MechPlain}
	}

	return &Server{
		cfg:    cfg,
		store:  store,
		hub:    hub,
		inject: inject,
		logger: logrus.WithField("service", "display"),
	}
}

// Addr is the bound listen address, valid once Serve is running.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}

	return s.lis.Addr()
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("display service listen: %w", err)
	}

	s.lis = lis

	return nil
}

// Serve accepts connections until ctx is cancelled. Each connection runs in
// its own goroutine; connection failures never propagate past the session.
func (s *Server) Serve(ctx context.Context) error {
	if s.lis == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()

		return s.lis.Close()
	})

	g.Go(func() error {
		for {
			conn, err := s.lis.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return fmt.Errorf("accept: %w", err)
			}

			g.Go(func() error {
				s.handle(ctx, conn)

				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := s.logger.WithField("remote", conn.RemoteAddr().String())

	// Unblock stream reads when the machine shuts down.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	session, err := s.negotiate(br, bw)
	if err != nil {
		logger.WithError(err).Info("session rejected")

		return
	}

	logger = logger.WithField("session", session)
	logger.Info("session authenticated")

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	if err := s.stream(ctx, logger, conn, br, bw); err != nil && ctx.Err() == nil {
		logger.WithError(err).Info("session closed")
	}
}

// negotiate runs the SASL exchange and returns the session ID on success.
// No frame data is written before this returns.
func (s *Server) negotiate(br *bufio.Reader, bw *bufio.Writer) (string, error) {
	greeting := serviceName + "\x00" + strings.Join(s.cfg.Mechanisms, " ")
	if err := writeMsg(bw, msgMechList, []byte(greeting)); err != nil {
		return "", err
	}

	failures := 0

	fail := func(reason string) error {
		failures++
		metrics.AuthFailures.Inc()

		if failures >= s.cfg.AuthThreshold {
			if err := writeMsg(bw, msgAuthExhausted, []byte(reason)); err != nil {
				return err
			}

			return ErrAuthExhausted
		}

		return writeMsg(bw, msgAuthFail, []byte(reason))
	}

	for {
		t, payload, err := readMsg(br)
		if err != nil {
			return "", err
		}

		if t != msgAuthStart {
			return "", fmt.Errorf("%w: message %#x before authentication", ErrProtocolError, t)
		}

		mech, clientMsg, err := decodeAuthStart(payload)
		if err != nil {
			return "", err
		}

		if !s.offered(mech) {
			if err := fail("unsupported mechanism"); err != nil {
				return "", err
			}

			continue
		}

		auth, err := newAuthenticator(mech, s.store)
		if err != nil {
			return "", err
		}

		session, err := s.converse(br, bw, auth, clientMsg)
		if errors.Is(err, ErrAuthFailed) {
			if err := fail("credentials rejected"); err != nil {
				return "", err
			}

			continue
		}

		if err != nil {
			return "", err
		}

		return session, nil
	}
}

func (s *Server) converse(br *bufio.Reader, bw *bufio.Writer, auth authenticator, clientMsg []byte) (string, error) {
	for {
		serverMsg, done, err := auth.step(clientMsg)
		if err != nil {
			return "", err
		}

		if done {
			if len(serverMsg) > 0 {
				if err := writeMsg(bw, msgAuthChallenge, serverMsg); err != nil {
					return "", err
				}
			}

			session := uuid.NewString()

			return session, writeMsg(bw, msgAuthOK, []byte(session))
		}

		if err := writeMsg(bw, msgAuthChallenge, serverMsg); err != nil {
			return "", err
		}

		t, payload, err := readMsg(br)
		if err != nil {
			return "", err
		}

		if t != msgAuthResponse {
			return "", fmt.Errorf("%w: message %#x during challenge exchange", ErrProtocolError, t)
		}

		clientMsg = payload
	}
}

func (s *Server) offered(mech string) bool {
	for _, m := range s.cfg.Mechanisms {
		if m == mech {
			return true
		}
	}

	return false
}

// stream pumps framebuffer revisions to the client and input events back
// until either side closes.
func (s *Server) stream(ctx context.Context, logger *logrus.Entry, conn net.Conn, br *bufio.Reader, bw *bufio.Writer) error {
	sub := s.hub.Subscribe()
	defer sub.Close()

	g, ctx := errgroup.WithContext(ctx)

	// A finished writer (hub closed, send failure) must also unblock the
	// reader, which sits in a conn read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	g.Go(func() error {
		comp := new(bytes.Buffer)
		zw := zlib.NewWriter(comp)

		for {
			u, err := sub.Next(ctx)
			if err != nil {
				return err
			}

			comp.Reset()
			zw.Reset(comp)

			if _, err := zw.Write(u.Pixels); err != nil {
				return err
			}

			if err := zw.Close(); err != nil {
				return err
			}

			payload := append(
				encodeFrameHdr(u.Revision, u.SurfaceWidth, u.SurfaceHeight, u.Format, uint32(len(u.Pixels))),
				comp.Bytes()...,
			)

			if err := writeMsg(bw, msgFrame, payload); err != nil {
				return err
			}

			metrics.FramesSent.Inc()
			metrics.FrameBytes.Add(float64(len(payload)))
		}
	})

	g.Go(func() error {
		buttons := byte(0)

		for {
			t, payload, err := readMsg(br)
			if err != nil {
				return err
			}

			events, next, err := decodeInputMsg(t, payload, buttons)
			if err != nil {
				logger.WithError(err).Warn("dropping client message")

				continue
			}

			buttons = next

			if s.inject != nil && len(events) > 0 {
				s.inject(events)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, display.ErrHubClosed) {
		return nil
	}

	return err
}

// decodeInputMsg turns one client event message into an evdev burst.
// buttons is the previous pointer button mask; the returned mask replaces
// it.
func decodeInputMsg(t byte, payload []byte, buttons byte) ([]virtio.InputEvent, byte, error) {
	switch t {
	case msgKeyEvent:
		if len(payload) < 3 {
			return nil, buttons, fmt.Errorf("%w: short key event", ErrProtocolError)
		}

		code := uint16(payload[0])<<8 | uint16(payload[1])

		return input.Key(code, payload[2] != 0), buttons, nil
	case msgPointerEvent:
		if len(payload) < 9 {
			return nil, buttons, fmt.Errorf("%w: short pointer event", ErrProtocolError)
		}

		x := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
		y := uint32(payload[4])<<24 | uint32(payload[5])<<16 | uint32(payload[6])<<8 | uint32(payload[7])
		mask := payload[8]

		events := input.PointerAbs(x, y)

		for bit, btn := range map[byte]uint16{
			1 << 0: virtio.BtnLeft,
			1 << 1: virtio.BtnMiddle,
			1 << 2: virtio.BtnRight,
		} {
			if mask&bit != buttons&bit {
				events = append(events, input.Button(btn, mask&bit != 0)...)
			}
		}

		return events, mask, nil
	default:
		return nil, buttons, fmt.Errorf("%w: unexpected message %#x", ErrProtocolError, t)
	}
}
