package pgwire

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdquery/internal/dialect"
	"mdquery/internal/domain"
	"mdquery/internal/engine"
	"mdquery/internal/service/query"
)

func TestServer_StartAndShutdown(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil, func(_ context.Context, user, text string) (*Result, error) {
		require.Equal(t, "duck", user)
		require.Equal(t, "{}", text)
		return &Result{
			Columns: []Column{{Name: "shop"}, {Name: "qty", Numeric: true}},
			Rows:    [][]any{{"s1", 7.0}, {"s2", nil}},
		}, nil
	})
	require.NoError(t, srv.Start())
	require.Error(t, srv.Start())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})

	conn := dial(t, srv)
	_, err := conn.Write(startupPacket(t, "duck"))
	require.NoError(t, err)

	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('R'), typeByte)
	require.Len(t, payload, 4)
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(payload))

	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('S'), typeByte)
	require.Contains(t, string(payload), "server_version")

	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('S'), typeByte)
	require.Contains(t, string(payload), "client_encoding")

	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('S'), typeByte)

	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('K'), typeByte)
	require.Len(t, payload, 8)

	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)
	require.Equal(t, []byte{'I'}, payload)

	_, err = conn.Write(simpleQueryPacket(t, "{}"))
	require.NoError(t, err)

	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('T'), typeByte)
	require.Equal(t, uint16(2), binary.BigEndian.Uint16(payload[0:2]))
	// second column: name, then table OID (4) and attribute number (2) precede the type OID
	off := 2 + len("shop") + 1 + 18 + len("qty") + 1 + 6
	require.Equal(t, oidFloat8, binary.BigEndian.Uint32(payload[off:off+4]))

	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('D'), typeByte)
	require.Contains(t, string(payload), "s1")
	require.Contains(t, string(payload), "7")

	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('D'), typeByte)
	require.Equal(t, uint32(0xFFFFFFFF), binary.BigEndian.Uint32(payload[len(payload)-4:]))

	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('C'), typeByte)
	require.Contains(t, string(payload), "SELECT 2")
	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)
	require.Equal(t, []byte{'I'}, payload)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))
	assert.Empty(t, srv.Addr())
}

func TestServer_EmptyAndUnsupportedMessages(t *testing.T) {
	srv := startServer(t, func(context.Context, string, string) (*Result, error) {
		t.Fatal("query must not run")
		return nil, nil
	})
	conn := handshake(t, srv, "duck")

	_, err := conn.Write(simpleQueryPacket(t, "  "))
	require.NoError(t, err)
	typeByte, _ := readPGMessage(t, conn)
	require.Equal(t, byte('I'), typeByte)
	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)

	_, err = conn.Write(parsePacket(t, "{}"))
	require.NoError(t, err)
	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('E'), typeByte)
	require.Contains(t, string(payload), "only simple queries")
	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)

	_, err = conn.Write(syncPacket(t))
	require.NoError(t, err)
	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)
}

func TestServer_QueryErrorsCarrySQLState(t *testing.T) {
	srv := startServer(t, func(context.Context, string, string) (*Result, error) {
		return nil, domain.ErrCompilation("unknown table %s", "nope")
	})
	conn := handshake(t, srv, "duck")

	_, err := conn.Write(simpleQueryPacket(t, "{}"))
	require.NoError(t, err)
	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('E'), typeByte)
	require.Contains(t, string(payload), "C42000")
	require.Contains(t, string(payload), "unknown table nope")
	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)
}

func TestServer_CancelRequest_CancelsInFlightQuery(t *testing.T) {
	queryStarted := make(chan struct{}, 1)
	srv := startServer(t, func(ctx context.Context, user, _ string) (*Result, error) {
		require.Equal(t, "duck", user)
		queryStarted <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	conn := dial(t, srv)
	_, err := conn.Write(startupPacket(t, "duck"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _ = readPGMessage(t, conn)
	}
	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('K'), typeByte)
	require.Len(t, payload, 8)
	processID := binary.BigEndian.Uint32(payload[0:4])
	secretKey := binary.BigEndian.Uint32(payload[4:8])
	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)

	_, err = conn.Write(simpleQueryPacket(t, "{}"))
	require.NoError(t, err)

	select {
	case <-queryStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("query did not start")
	}

	cancelConn := dial(t, srv)
	_, err = cancelConn.Write(cancelRequestPacket(t, processID, secretKey))
	require.NoError(t, err)

	typeByte, payload = readPGMessage(t, conn)
	require.Equal(t, byte('E'), typeByte)
	require.Contains(t, string(payload), "canceled")
	require.Contains(t, string(payload), "C57014")
	typeByte, _ = readPGMessage(t, conn)
	require.Equal(t, byte('Z'), typeByte)
}

func TestServer_PasswordCheck(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil, func(context.Context, string, string) (*Result, error) {
		return &Result{}, nil
	})
	srv.SetPasswordCheck(func(user, password string) bool {
		return user == "duck" && password == "quack"
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	tests := []struct {
		name     string
		password string
		wantType byte
	}{
		{name: "accepted", password: "quack", wantType: 'R'},
		{name: "rejected", password: "moo", wantType: 'E'},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, srv)
			_, err := conn.Write(startupPacket(t, "duck"))
			require.NoError(t, err)

			typeByte, payload := readPGMessage(t, conn)
			require.Equal(t, byte('R'), typeByte)
			require.Equal(t, uint32(3), binary.BigEndian.Uint32(payload))

			_, err = conn.Write(passwordPacket(t, tt.password))
			require.NoError(t, err)
			typeByte, payload = readPGMessage(t, conn)
			require.Equal(t, tt.wantType, typeByte)
			if tt.wantType == 'E' {
				require.Contains(t, string(payload), "28P01")
			} else {
				require.Equal(t, uint32(0), binary.BigEndian.Uint32(payload))
			}
		})
	}
}

func TestServer_StartupRequiresUser(t *testing.T) {
	srv := startServer(t, nil)
	conn := dial(t, srv)
	_, err := conn.Write(startupPacket(t, ""))
	require.NoError(t, err)
	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('E'), typeByte)
	require.Contains(t, string(payload), "28000")
}

func TestServer_SSLRequestDeclined(t *testing.T) {
	srv := startServer(t, nil)
	conn := dial(t, srv)

	buf := bytes.NewBuffer(nil)
	require.NoError(t, binary.Write(buf, binary.BigEndian, int32(8)))
	require.NoError(t, binary.Write(buf, binary.BigEndian, pgSSLRequestCode))
	_, err := conn.Write(buf.Bytes())
	require.NoError(t, err)

	reply := make([]byte, 1)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, byte('N'), reply[0])

	_, err = conn.Write(startupPacket(t, "duck"))
	require.NoError(t, err)
	typeByte, _ := readPGMessage(t, conn)
	require.Equal(t, byte('R'), typeByte)
}

func TestSQLStateForError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: domain.ErrValidation("bad"), want: "22023"},
		{err: domain.ErrUnsupportedFeature("bigquery", "rollup", "rollup is not supported"), want: "0A000"},
		{err: domain.ErrCompilation("unknown field"), want: "42000"},
		{err: fmt.Errorf("run: %w", context.Canceled), want: "57014"},
		{err: fmt.Errorf("boom"), want: "XX000"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlStateForError(tt.err))
		})
	}
}

const salesYAML = `
tables:
  - name: sales
    columns:
      - {name: shop, type: string}
      - {name: qty, type: int}
    rows:
      - [s1, 2]
      - [s1, 5]
      - [s2, 3]
`

const rollupQuery = `{"table": {"name": "sales"}, "columns": [{"name": "shop"}],
  "measures": [{"type": "aggregated", "alias": "qty", "aggregation": "sum", "field": {"name": "qty"}}],
  "rollup": [{"name": "shop"}]}`

func TestServiceQuery_OverLibPQ(t *testing.T) {
	ctx := context.Background()
	db, err := engine.Open(ctx, engine.KindDuckDB, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ds, err := engine.ParseDataset([]byte(salesYAML))
	require.NoError(t, err)
	require.NoError(t, engine.Seed(ctx, db, ds))
	rw, err := dialect.New(dialect.DuckDB, dialect.Options{})
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	svc := query.NewQueryService(ds.Catalog(), engine.NewDBExecutor(db, logger), rw, logger)
	srv := NewServer("127.0.0.1:0", logger, ServiceQuery(svc))
	srv.SetPasswordCheck(func(user, password string) bool { return password == "secret" })
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	client, err := sql.Open("postgres", fmt.Sprintf("host=%s port=%s user=alice password=secret sslmode=disable", host, port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	rows, err := client.QueryContext(ctx, rollupQuery)
	require.NoError(t, err)
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	require.NoError(t, err)
	assert.Equal(t, []string{"shop", "qty"}, cols)

	got := map[string]float64{}
	for rows.Next() {
		var (
			shop string
			qty  float64
		)
		require.NoError(t, rows.Scan(&shop, &qty))
		got[shop] = qty
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, map[string]float64{domain.GrandTotal: 10, "s1": 7, "s2": 3}, got)

	_, err = client.QueryContext(ctx, `{"table": {"name": "nope"}, "columns": [{"name": "x"}]}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func startServer(t *testing.T, fn QueryFunc) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", slog.New(slog.DiscardHandler), fn)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// handshake opens a session for user and drains the startup messages.
func handshake(t *testing.T, srv *Server, user string) net.Conn {
	t.Helper()
	conn := dial(t, srv)
	_, err := conn.Write(startupPacket(t, user))
	require.NoError(t, err)
	for {
		typeByte, _ := readPGMessage(t, conn)
		if typeByte == 'Z' {
			return conn
		}
	}
}

func startupPacket(t *testing.T, user string) []byte {
	t.Helper()

	params := []byte("user\x00" + user + "\x00database\x00mdq\x00\x00")
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(params)))
	require.NoError(t, binary.Write(buf, binary.BigEndian, int32(8+len(params))))
	require.NoError(t, binary.Write(buf, binary.BigEndian, pgProtocolVersion3))
	_, err := buf.Write(params)
	require.NoError(t, err)
	return buf.Bytes()
}

func frontendPacket(t *testing.T, typ byte, payload []byte) []byte {
	t.Helper()
	buf := bytes.NewBuffer(make([]byte, 0, 1+4+len(payload)))
	require.NoError(t, buf.WriteByte(typ))
	require.NoError(t, binary.Write(buf, binary.BigEndian, int32(4+len(payload))))
	_, err := buf.Write(payload)
	require.NoError(t, err)
	return buf.Bytes()
}

func simpleQueryPacket(t *testing.T, q string) []byte {
	t.Helper()
	return frontendPacket(t, 'Q', append([]byte(q), 0))
}

func passwordPacket(t *testing.T, password string) []byte {
	t.Helper()
	return frontendPacket(t, 'p', append([]byte(password), 0))
}

func parsePacket(t *testing.T, q string) []byte {
	t.Helper()
	payload := []byte{0}
	payload = append(payload, q...)
	payload = append(payload, 0, 0, 0)
	return frontendPacket(t, 'P', payload)
}

func syncPacket(t *testing.T) []byte {
	t.Helper()
	return []byte{'S', 0, 0, 0, 4}
}

func cancelRequestPacket(t *testing.T, processID, secretKey uint32) []byte {
	t.Helper()
	buf := bytes.NewBuffer(make([]byte, 0, 16))
	require.NoError(t, binary.Write(buf, binary.BigEndian, int32(16)))
	require.NoError(t, binary.Write(buf, binary.BigEndian, pgCancelReqCode))
	require.NoError(t, binary.Write(buf, binary.BigEndian, processID))
	require.NoError(t, binary.Write(buf, binary.BigEndian, secretKey))
	return buf.Bytes()
}

func readPGMessage(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()
	typeByte := make([]byte, 1)
	_, err := io.ReadFull(conn, typeByte)
	require.NoError(t, err)

	lenBuf := make([]byte, 4)
	_, err = io.ReadFull(conn, lenBuf)
	require.NoError(t, err)
	length := int(binary.BigEndian.Uint32(lenBuf))
	require.GreaterOrEqual(t, length, 4)

	payload := make([]byte, length-4)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return typeByte[0], payload
}
