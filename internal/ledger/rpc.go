package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/identity"
	"github.com/alexjbarnes/vault-bridge/internal/logging"
	"github.com/alexjbarnes/vault-bridge/internal/models"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// PageSize is the number of objects requested per owned-object page.
	PageSize = 50

	// wsReadLimit bounds a single JSON-RPC response frame.
	wsReadLimit = 16 * 1024 * 1024

	// waitTimeout is how long the node is asked to wait for finality.
	waitTimeout = 60 * time.Second

	// maxPages stops a misbehaving node from paginating forever.
	maxPages = 10000
)

// JSON-RPC methods.
const (
	methodExecute      = "ledger_executeTransaction"
	methodWait         = "ledger_waitForTransaction"
	methodOwnedObjects = "ledger_getOwnedObjects"
)

//go:generate mockgen -source=rpc.go -destination=mock_wsconn_test.go -package=ledger -mock_names=wsConn=MockWSConn

// wsConn abstracts the WebSocket connection so RPCClient can be tested
// without a real node. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCClient speaks JSON-RPC 2.0 to a ledger node over one WebSocket.
// Calls are serialised; each waits for the response carrying its id. A
// connection that fails mid-call, including one torn down by a cancelled
// context, is discarded and the next call dials a fresh one.
type RPCClient struct {
	signer identity.Signer
	target Target
	logger *slog.Logger
	dial   func(ctx context.Context) (wsConn, error)

	mu sync.Mutex // serialises calls

	connMu sync.Mutex
	conn   wsConn
	closed bool
}

var errClientClosed = errors.New("ledger client closed")

var _ Client = (*RPCClient)(nil)

// Dial connects to the node at url.
func Dial(ctx context.Context, url string, signer identity.Signer, target Target, logger *slog.Logger) (*RPCClient, error) {
	dial := func(ctx context.Context) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
			HTTPHeader: http.Header{"User-Agent": []string{"vault-bridge"}},
		})
		if err != nil {
			return nil, fmt.Errorf("dialing ledger %s: %w", url, err)
		}
		return conn, nil
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	c := newRPCClient(conn, signer, target, logger)
	c.dial = dial
	return c, nil
}

func newRPCClient(conn wsConn, signer identity.Signer, target Target, logger *slog.Logger) *RPCClient {
	if logger == nil {
		logger = logging.Discard()
	}
	if target.Module == "" {
		target.Module = DefaultModule
	}
	conn.SetReadLimit(wsReadLimit)
	return &RPCClient{conn: conn, signer: signer, target: target, logger: logger}
}

// Target returns the package and module this client calls into.
func (c *RPCClient) Target() Target { return c.target }

// Close closes the connection. Calls made after Close fail.
func (c *RPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	return conn.Close(websocket.StatusNormalClosure, "bye")
}

// connection returns the live connection, dialling a new one if the
// previous one was discarded.
func (c *RPCClient) connection(ctx context.Context) (wsConn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed {
		return nil, errClientClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)
	c.conn = conn
	c.logger.Info("ledger connection re-established")
	return conn, nil
}

// discard drops a connection that failed at the transport level. Without
// a dial func there is nothing to replace it with, so it is kept and the
// caller sees the same failure again.
func (c *RPCClient) discard(conn wsConn, cause error) {
	if c.dial == nil {
		return
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != conn {
		return
	}
	c.conn = nil
	_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
	c.logger.Warn("ledger connection lost", slog.String("error", cause.Error()))
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// call sends one request and returns the raw result.
func (c *RPCClient) call(ctx context.Context, method string, params ...any) (gjson.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if params == nil {
		params = []any{}
	}
	req := rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshalling request: %w", err)
	}

	conn, err := c.connection(ctx)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("sending %s: %w", method, err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.discard(conn, err)
		return gjson.Result{}, fmt.Errorf("sending %s: %w", method, err)
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			c.discard(conn, err)
			return gjson.Result{}, fmt.Errorf("reading %s response: %w", method, err)
		}
		if !gjson.ValidBytes(msg) {
			return gjson.Result{}, fmt.Errorf("%s: malformed response", method)
		}

		resp := gjson.ParseBytes(msg)
		if resp.Get("id").String() != req.ID {
			// Subscription notifications and stale responses.
			c.logger.Debug("skipping unrelated ledger message",
				slog.String("method", method),
				slog.String("id", resp.Get("id").String()),
			)
			continue
		}

		if e := resp.Get("error"); e.Exists() {
			return gjson.Result{}, &RPCError{Code: int(e.Get("code").Int()), Message: e.Get("message").String()}
		}
		return resp.Get("result"), nil
	}
}

// Execute implements Client.
func (c *RPCClient) Execute(ctx context.Context, tx *Tx, stage StageFunc) (string, error) {
	if stage == nil {
		stage = func(Stage) {}
	}

	txBytes, err := tx.Bytes()
	if err != nil {
		return "", fmt.Errorf("%w: %w", vaulterrors.ErrLedgerTx, err)
	}

	stage(StageSigning)
	sig := c.signer.SignTransaction(txBytes)

	stage(StageSubmitting)
	res, err := c.call(ctx, methodExecute, base64.StdEncoding.EncodeToString(txBytes), []string{sig})
	if err != nil {
		return "", fmt.Errorf("submitting transaction: %w: %w", vaulterrors.ErrLedgerTx, err)
	}
	digest := res.Get("digest").String()
	if digest == "" {
		return "", fmt.Errorf("submitting transaction: no digest in response: %w", vaulterrors.ErrLedgerTx)
	}

	res, err = c.call(ctx, methodWait, digest, waitTimeout.Milliseconds())
	if err != nil {
		return digest, fmt.Errorf("waiting for %s: %w: %w", digest, vaulterrors.ErrLedgerTx, err)
	}
	if status := res.Get("status").String(); status != "success" {
		return digest, fmt.Errorf("transaction %s %s: %s: %w",
			digest, status, res.Get("error").String(), vaulterrors.ErrLedgerTx)
	}

	c.logger.Info("transaction confirmed",
		slog.String("digest", digest),
		slog.Int("commands", tx.Len()),
	)
	stage(StageConfirmed)
	return digest, nil
}

// OwnedDirectories implements Client.
func (c *RPCClient) OwnedDirectories(ctx context.Context, owner string) ([]models.DirectoryRow, error) {
	var rows []models.DirectoryRow
	err := c.ownedObjects(ctx, owner, c.target.Type(TypeDirectory), func(obj gjson.Result) {
		rows = append(rows, models.DirectoryRow{
			ID:        obj.Get("id").String(),
			Name:      obj.Get("name").String(),
			Parent:    obj.Get("parent").String(),
			IsRoot:    obj.Get("is_root").Bool(),
			CreatedAt: parseTime(obj.Get("created_at")),
			UpdatedAt: parseTime(obj.Get("updated_at")),
		})
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// OwnedFiles implements Client.
func (c *RPCClient) OwnedFiles(ctx context.Context, owner string) ([]models.FileRecord, error) {
	var files []models.FileRecord
	err := c.ownedObjects(ctx, owner, c.target.Type(TypeFile), func(obj gjson.Result) {
		files = append(files, models.FileRecord{
			ID:        obj.Get("id").String(),
			Title:     obj.Get("title").String(),
			Dir:       obj.Get("belong_dir").String(),
			BlobID:    obj.Get("blob_id").String(),
			EndEpoch:  obj.Get("end_epoch").Uint(),
			CreatedAt: parseTime(obj.Get("created_at")),
			UpdatedAt: parseTime(obj.Get("updated_at")),
		})
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ownedObjects pages through objects of typ owned by owner, PageSize at
// a time, calling fn with each object's JSON contents.
func (c *RPCClient) ownedObjects(ctx context.Context, owner, typ string, fn func(gjson.Result)) error {
	var cursor any
	for page := 0; page < maxPages; page++ {
		res, err := c.call(ctx, methodOwnedObjects, owner, map[string]string{"type": typ}, cursor, PageSize)
		if err != nil {
			return fmt.Errorf("listing %s owned by %s: %w", typ, owner, err)
		}

		res.Get("data").ForEach(func(_, obj gjson.Result) bool {
			fn(obj.Get("json"))
			return true
		})

		if !res.Get("hasNextPage").Bool() {
			return nil
		}
		next := res.Get("endCursor").String()
		if next == "" {
			return errors.New("node reported another page without a cursor")
		}
		cursor = next
	}
	return fmt.Errorf("listing %s: more than %d pages", typ, maxPages)
}

// parseTime accepts unix milliseconds as a number or numeric string,
// or an RFC 3339 string.
func parseTime(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.String()); err == nil {
			return t
		}
		if ms := r.Int(); ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time{}
}
