// Package pgwire serves queries over the PostgreSQL simple-query protocol, so
// psql and Postgres drivers can run multi-dimensional queries. The query text
// is a JSON or YAML query document; the startup user names the caller.
package pgwire

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"mdquery/internal/domain"
	"mdquery/internal/service/query"
	"mdquery/internal/table"
)

const (
	pgProtocolVersion3 int32 = 196608
	pgSSLRequestCode   int32 = 80877103
	pgCancelReqCode    int32 = 80877102
)

// Type OIDs sent in row descriptions.
const (
	oidText   uint32 = 25
	oidFloat8 uint32 = 701
)

// Column describes one result column.
type Column struct {
	Name    string
	Numeric bool
}

// Result is the outcome of one query.
type Result struct {
	Columns []Column
	Rows    [][]any
}

// QueryFunc runs the query text on behalf of user.
type QueryFunc func(ctx context.Context, user, text string) (*Result, error)

// PasswordCheck reports whether password authenticates user.
type PasswordCheck func(user, password string) bool

// ServiceQuery runs query documents on svc.
func ServiceQuery(svc *query.QueryService) QueryFunc {
	return func(ctx context.Context, user, text string) (*Result, error) {
		dto, err := query.ParseQuery([]byte(text))
		if err != nil {
			return nil, err
		}
		res, err := svc.Execute(ctx, user, dto)
		if err != nil {
			return nil, err
		}
		cols := make([]Column, len(res.Headers))
		for i, h := range res.Headers {
			cols[i] = Column{Name: h.Name, Numeric: h.IsMeasure && h.Type.IsNumeric()}
		}
		return &Result{Columns: cols, Rows: res.Rows}, nil
	}
}

// Server is a PostgreSQL wire listener supporting simple queries and cancel
// requests.
type Server struct {
	addr     string
	logger   *slog.Logger
	query    QueryFunc
	password PasswordCheck

	mu            sync.Mutex
	ln            net.Listener
	wg            sync.WaitGroup
	queryMu       sync.Mutex
	activeQueries map[backendKey]context.CancelFunc
}

type backendKey struct {
	processID int32
	secretKey int32
}

// NewServer creates a Server for addr. Use ":0" to pick a free port.
func NewServer(addr string, logger *slog.Logger, fn QueryFunc) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if fn == nil {
		fn = func(context.Context, string, string) (*Result, error) {
			return nil, fmt.Errorf("pgwire query executor is not configured")
		}
	}
	return &Server{addr: addr, logger: logger, query: fn, activeQueries: make(map[backendKey]context.CancelFunc)}
}

// SetPasswordCheck requires a cleartext password at startup.
func (s *Server) SetPasswordCheck(fn PasswordCheck) {
	s.password = fn
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("pgwire listener already started")
	}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen pgwire: %w", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("PG-wire listener enabled", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown closes the listener and waits for the accept loop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil {
		return fmt.Errorf("close pgwire listener: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pgwire shutdown: %w", ctx.Err())
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		ln := s.ln
		s.mu.Unlock()
		if ln == nil {
			return
		}

		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close() //nolint:errcheck
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	key := newBackendKey()

	for {
		length, code, err := readStartupHeader(conn)
		if err != nil {
			return
		}
		if length < 8 {
			_ = writePGError(conn, "invalid startup packet")
			return
		}

		switch code {
		case pgSSLRequestCode:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return
			}
			continue
		case pgCancelReqCode:
			if length != 16 {
				return
			}
			payload := make([]byte, 8)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			s.cancelQuery(int32(binary.BigEndian.Uint32(payload[0:4])), int32(binary.BigEndian.Uint32(payload[4:8]))) //nolint:gosec // wire values
			return
		case pgProtocolVersion3:
			payload := make([]byte, int(length)-8)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
			user := strings.TrimSpace(parseStartupParams(payload)["user"])
			if user == "" {
				_ = writePGErrorCode(conn, "startup user is required", "28000")
				return
			}
			if !s.authenticate(conn, user) {
				return
			}
			if err := writeHandshake(conn, key); err != nil {
				return
			}
			s.logger.Debug("pgwire session started", "user", user, "remote", conn.RemoteAddr().String())
			s.serveLoop(conn, user, key)
			return
		default:
			_ = writePGError(conn, "unsupported startup protocol")
			return
		}
	}
}

// authenticate runs the cleartext password exchange when a check is set.
func (s *Server) authenticate(conn net.Conn, user string) bool {
	if s.password == nil {
		return true
	}
	if err := writeAuthRequest(conn, 3); err != nil {
		return false
	}
	typ, payload, err := readMessage(conn)
	if err != nil {
		return false
	}
	if typ != 'p' || !s.password(user, string(bytes.TrimSuffix(payload, []byte{0}))) {
		_ = writePGErrorCode(conn, fmt.Sprintf("password authentication failed for user %q", user), "28P01")
		return false
	}
	return true
}

func writeHandshake(conn net.Conn, key backendKey) error {
	if err := writeAuthRequest(conn, 0); err != nil {
		return err
	}
	for _, kv := range [][2]string{{"server_version", "16.0"}, {"client_encoding", "UTF8"}, {"DateStyle", "ISO, MDY"}} {
		if err := writeParameterStatus(conn, kv[0], kv[1]); err != nil {
			return err
		}
	}
	if err := writeBackendKeyData(conn, key); err != nil {
		return err
	}
	return writeReadyForQuery(conn)
}

func (s *Server) serveLoop(conn net.Conn, user string, key backendKey) {
	for {
		typ, payload, err := readMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_ = writePGError(conn, err.Error())
			}
			return
		}

		switch typ {
		case 'Q':
			s.handleSimpleQuery(conn, user, payload, key)
		case 'H':
			// Flush: backend has no buffered output to force.
		case 'S':
			_ = writeReadyForQuery(conn)
		case 'X':
			return
		default:
			_ = writePGError(conn, fmt.Sprintf("unsupported frontend message type %q: only simple queries are served", typ))
			_ = writeReadyForQuery(conn)
		}
	}
}

func (s *Server) handleSimpleQuery(conn net.Conn, user string, payload []byte, key backendKey) {
	text := strings.TrimSpace(string(bytes.TrimSuffix(payload, []byte{0})))
	if text == "" || text == ";" {
		_ = writeMessage(conn, 'I', nil)
		_ = writeReadyForQuery(conn)
		return
	}

	queryCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.trackActiveQuery(key, cancel)
	result, err := s.query(queryCtx, user, text)
	s.untrackActiveQuery(key)
	if err != nil {
		_ = writePGQueryError(conn, err)
		_ = writeReadyForQuery(conn)
		return
	}

	if err := writeRowDescription(conn, result.Columns); err != nil {
		return
	}
	for _, row := range result.Rows {
		if err := writeDataRow(conn, row); err != nil {
			return
		}
	}
	if err := writeMessage(conn, 'C', append(fmt.Appendf(nil, "SELECT %d", len(result.Rows)), 0)); err != nil {
		return
	}
	_ = writeReadyForQuery(conn)
}

func (s *Server) trackActiveQuery(key backendKey, cancel context.CancelFunc) {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()
	s.activeQueries[key] = cancel
}

func (s *Server) untrackActiveQuery(key backendKey) {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()
	delete(s.activeQueries, key)
}

func (s *Server) cancelQuery(processID, secretKey int32) {
	s.queryMu.Lock()
	cancel := s.activeQueries[backendKey{processID: processID, secretKey: secretKey}]
	s.queryMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func newBackendKey() backendKey {
	return backendKey{processID: randomInt32(), secretKey: randomInt32()}
}

func randomInt32() int32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	v := int32(binary.BigEndian.Uint32(b[:])) //nolint:gosec // random bits
	if v == 0 {
		return 1
	}
	return v
}

func readStartupHeader(r io.Reader) (int32, int32, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, err
	}
	length := int32(binary.BigEndian.Uint32(header[0:4])) //nolint:gosec // wire values
	code := int32(binary.BigEndian.Uint32(header[4:8]))   //nolint:gosec // wire values
	return length, code, nil
}

// maxMessageSize bounds frontend messages.
const maxMessageSize = 1 << 24

// readMessage reads one typed frontend message.
func readMessage(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:5])
	if length < 4 || length > maxMessageSize {
		return 0, nil, fmt.Errorf("invalid frontend message length %d", length)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

func writeMessage(conn net.Conn, typ byte, body []byte) error {
	packet := make([]byte, 5+len(body))
	packet[0] = typ
	binary.BigEndian.PutUint32(packet[1:5], uint32(4+len(body))) //nolint:gosec // bounded by caller
	copy(packet[5:], body)
	_, err := conn.Write(packet)
	return err
}

func writePGError(conn net.Conn, message string) error {
	return writePGErrorCode(conn, message, "0A000")
}

func writePGQueryError(conn net.Conn, err error) error {
	return writePGErrorCode(conn, err.Error(), sqlStateForError(err))
}

func writePGErrorCode(conn net.Conn, message, code string) error {
	body := make([]byte, 0, 32+len(message))
	body = append(body, 'S')
	body = append(body, "ERROR"...)
	body = append(body, 0, 'C')
	body = append(body, code...)
	body = append(body, 0, 'M')
	body = append(body, message...)
	body = append(body, 0, 0)
	return writeMessage(conn, 'E', body)
}

func sqlStateForError(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "57014"
	}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		return "22023"
	}
	var unsupported *domain.UnsupportedFeatureError
	if errors.As(err, &unsupported) {
		return "0A000"
	}
	var compilation *domain.CompilationError
	if errors.As(err, &compilation) {
		return "42000"
	}
	var execution *domain.ExecutionError
	if errors.As(err, &execution) {
		return "58000"
	}
	return "XX000"
}

func writeAuthRequest(conn net.Conn, method uint32) error {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, method)
	return writeMessage(conn, 'R', body)
}

func writeParameterStatus(conn net.Conn, key, value string) error {
	body := make([]byte, 0, len(key)+len(value)+2)
	body = append(body, key...)
	body = append(body, 0)
	body = append(body, value...)
	body = append(body, 0)
	return writeMessage(conn, 'S', body)
}

func writeReadyForQuery(conn net.Conn) error {
	return writeMessage(conn, 'Z', []byte{'I'})
}

func writeBackendKeyData(conn net.Conn, key backendKey) error {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:4], uint32(key.processID)) //nolint:gosec // opaque id
	binary.BigEndian.PutUint32(body[4:8], uint32(key.secretKey)) //nolint:gosec // opaque id
	return writeMessage(conn, 'K', body)
}

func writeRowDescription(conn net.Conn, columns []Column) error {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(columns))) //nolint:gosec // column count
	for _, col := range columns {
		oid, size := oidText, uint16(0xFFFF)
		if col.Numeric {
			oid, size = oidFloat8, 8
		}
		body = append(body, col.Name...)
		body = append(body, 0)
		body = binary.BigEndian.AppendUint32(body, 0) // table OID
		body = binary.BigEndian.AppendUint16(body, 0) // attribute number
		body = binary.BigEndian.AppendUint32(body, oid)
		body = binary.BigEndian.AppendUint16(body, size)
		body = binary.BigEndian.AppendUint32(body, 0xFFFFFFFF) // type modifier
		body = binary.BigEndian.AppendUint16(body, 0)          // text format
	}
	return writeMessage(conn, 'T', body)
}

func writeDataRow(conn net.Conn, row []any) error {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(row))) //nolint:gosec // column count
	for _, value := range row {
		if value == nil {
			body = binary.BigEndian.AppendUint32(body, 0xFFFFFFFF)
			continue
		}
		text := table.FormatCell(value)
		body = binary.BigEndian.AppendUint32(body, uint32(len(text))) //nolint:gosec // bounded by message size
		body = append(body, text...)
	}
	return writeMessage(conn, 'D', body)
}

func parseStartupParams(payload []byte) map[string]string {
	params := map[string]string{}
	parts := bytes.Split(payload, []byte{0})
	for i := 0; i+1 < len(parts); i += 2 {
		k := string(parts[i])
		if k == "" {
			break
		}
		params[k] = string(parts[i+1])
	}
	return params
}
