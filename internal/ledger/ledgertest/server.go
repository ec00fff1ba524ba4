package ledgertest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alexjbarnes/vault-bridge/internal/identity"
	"github.com/alexjbarnes/vault-bridge/internal/ledger"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// readLimit matches the client's frame limit so large transaction
// batches are accepted.
const readLimit = 16 * 1024 * 1024

// Server exposes a Ledger over the JSON-RPC WebSocket protocol spoken by
// ledger.RPCClient. Submitted transactions must carry a valid signature
// from their sender.
type Server struct {
	l *Ledger

	mu       sync.Mutex
	statuses map[string]string
}

// NewServer wraps l.
func NewServer(l *Ledger) *Server {
	return &Server{l: l, statuses: make(map[string]string)}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ServeHTTP upgrades the connection and answers requests until the
// client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}

		req := gjson.ParseBytes(msg)
		result, rerr := s.dispatch(req.Get("method").String(), req.Get("params").Array())

		resp := map[string]any{"jsonrpc": "2.0", "id": req.Get("id").String()}
		if rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
		data, _ := json.Marshal(resp)

		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(method string, params []gjson.Result) (any, *rpcError) {
	switch method {
	case "ledger_executeTransaction":
		return s.execute(params)
	case "ledger_waitForTransaction":
		if len(params) < 1 {
			return nil, &rpcError{Code: -32602, Message: "missing digest"}
		}
		s.mu.Lock()
		status, ok := s.statuses[params[0].String()]
		s.mu.Unlock()
		if !ok {
			return nil, &rpcError{Code: -32004, Message: "unknown transaction"}
		}
		return map[string]string{"digest": params[0].String(), "status": status}, nil
	case "ledger_getOwnedObjects":
		return s.ownedObjects(params)
	default:
		return nil, &rpcError{Code: -32601, Message: "method not found: " + method}
	}
}

func (s *Server) execute(params []gjson.Result) (any, *rpcError) {
	if len(params) != 2 {
		return nil, &rpcError{Code: -32602, Message: "expected tx bytes and signatures"}
	}
	txBytes, err := base64.StdEncoding.DecodeString(params[0].String())
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "tx bytes are not base64"}
	}
	sender, cmds, err := ledger.DecodeTx(txBytes)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: err.Error()}
	}

	sigs := params[1].Array()
	if len(sigs) == 0 {
		return nil, &rpcError{Code: -32002, Message: "missing signature"}
	}
	addr, err := identity.Verify(identity.ScopeTransaction, txBytes, sigs[0].String())
	if err != nil || addr != sender {
		return nil, &rpcError{Code: -32002, Message: "signature does not match sender"}
	}

	digest, err := s.l.Apply(sender, cmds)
	if err != nil {
		return nil, &rpcError{Code: -32003, Message: err.Error()}
	}

	s.mu.Lock()
	s.statuses[digest] = "success"
	s.mu.Unlock()
	return map[string]string{"digest": digest}, nil
}

func (s *Server) ownedObjects(params []gjson.Result) (any, *rpcError) {
	if len(params) != 4 {
		return nil, &rpcError{Code: -32602, Message: "expected owner, filter, cursor, limit"}
	}
	owner := params[0].String()
	typ := params[1].Get("type").String()
	limit := int(params[3].Int())
	if limit <= 0 {
		limit = ledger.PageSize
	}
	start := 0
	if params[2].Exists() && params[2].Type != gjson.Null {
		n, err := strconv.Atoi(params[2].String())
		if err != nil {
			return nil, &rpcError{Code: -32602, Message: "bad cursor"}
		}
		start = n
	}

	var all []any
	ctx := context.Background()
	switch typ {
	case s.l.target.Type(ledger.TypeDirectory):
		rows, _ := s.l.OwnedDirectories(ctx, owner)
		for _, row := range rows {
			all = append(all, map[string]any{
				"id": row.ID, "name": row.Name, "parent": row.Parent, "is_root": row.IsRoot,
				"created_at": row.CreatedAt.UnixMilli(), "updated_at": row.UpdatedAt.UnixMilli(),
			})
		}
	case s.l.target.Type(ledger.TypeFile):
		files, _ := s.l.OwnedFiles(ctx, owner)
		for _, f := range files {
			all = append(all, map[string]any{
				"id": f.ID, "title": f.Title, "belong_dir": f.Dir, "blob_id": f.BlobID,
				"end_epoch": strconv.FormatUint(f.EndEpoch, 10),
				"created_at": f.CreatedAt.UnixMilli(), "updated_at": f.UpdatedAt.UnixMilli(),
			})
		}
	default:
		return nil, &rpcError{Code: -32602, Message: fmt.Sprintf("unknown type %q", typ)}
	}

	end := min(start+limit, len(all))
	if start > end {
		start = end
	}
	data := make([]map[string]any, 0, end-start)
	for _, obj := range all[start:end] {
		data = append(data, map[string]any{"json": obj})
	}

	result := map[string]any{"data": data, "hasNextPage": end < len(all)}
	if end < len(all) {
		result["endCursor"] = strconv.Itoa(end)
	}
	return result, nil
}
