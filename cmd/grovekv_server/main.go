// Command grovekv_server exposes a GroveKV database file over a plain TCP
// line protocol. Every connection gets its own session handle, so each
// client can run its own transaction:
//
//	PUT <key> <value>
//	GET <key>
//	DELETE <key>
//	BEGIN [committed|uncommitted]
//	COMMIT
//	ABORT
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/grovekv/grovekv/core/engine"
	"github.com/grovekv/grovekv/core/handle"
	"github.com/grovekv/grovekv/core/txn"
	"github.com/grovekv/grovekv/pkg/logger"
	"github.com/grovekv/grovekv/pkg/telemetry"
)

// Response is the server's reply to one request line.
type Response struct {
	Status  string // OK, ERROR, NOT_FOUND
	Message string
}

type server struct {
	eng    *engine.Engine
	log    *zap.Logger
	dbPath string
}

func main() {
	var (
		listenAddr = flag.String("listen", "localhost:9090", "address to serve the line protocol on")
		dbPath     = flag.String("db", "data/grove.db", "database file path")
		logLevel   = flag.String("log-level", "info", "minimum log level")
		promPort   = flag.Int("prometheus-port", 2112, "port for the /metrics endpoint")
	)
	flag.Parse()

	eng, err := engine.Init(engine.Config{
		Logger: logger.Config{Level: *logLevel, Format: "console"},
		Telemetry: telemetry.Config{
			Enabled:        true,
			ServiceName:    "grovekv",
			PrometheusPort: *promPort,
		},
	})
	if err != nil {
		panic(fmt.Sprintf("engine initialization failed: %v", err))
	}
	defer engine.Shutdown()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "console"})
	if err != nil {
		panic(fmt.Sprintf("logger initialization failed: %v", err))
	}

	s := &server{eng: eng, log: log, dbPath: *dbPath}

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatal("listen failed", zap.String("addr", *listenAddr), zap.Error(err))
	}
	defer listener.Close()
	log.Info("grovekv server listening",
		zap.String("addr", *listenAddr), zap.String("db", *dbPath))

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Error("accept failed", zap.Error(err))
			continue
		}
		go s.handleConnection(conn)
	}
}

// handleConnection serves one client session. The connection owns a fresh
// file handle, so its transaction lifecycle is independent of other clients.
func (s *server) handleConnection(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.log.Info("client connected", zap.String("remote", remote))

	fh, err := s.eng.Open(s.dbPath, handle.Config{})
	if err != nil {
		s.log.Error("open failed", zap.String("remote", remote), zap.Error(err))
		fmt.Fprintf(conn, "ERROR %v\n", err)
		return
	}
	root := fh.RootHandle()
	defer func() {
		if root.Txn() != nil {
			if err := s.eng.AbortTransaction(root); err != nil {
				s.log.Warn("abort on disconnect failed", zap.Error(err))
			}
		}
		if err := s.eng.Close(fh); err != nil {
			s.log.Warn("close on disconnect failed", zap.Error(err))
		}
		s.log.Info("client disconnected", zap.String("remote", remote))
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Error("read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		raw := strings.TrimSpace(line)
		if raw == "" {
			continue
		}

		resp := s.handleRequest(root, raw)
		if _, err := fmt.Fprintf(conn, "%s %s\n", resp.Status, resp.Message); err != nil {
			s.log.Error("write failed", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}

func (s *server) handleRequest(root *handle.KvsHandle, raw string) Response {
	parts := strings.Fields(raw)
	command := strings.ToUpper(parts[0])

	switch command {
	case "PUT":
		if len(parts) < 3 {
			return Response{Status: "ERROR", Message: "PUT requires key and value"}
		}
		value := strings.Join(parts[2:], " ")
		if err := s.eng.Set(root, []byte(parts[1]), []byte(value)); err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		return Response{Status: "OK", Message: "stored"}

	case "GET":
		if len(parts) < 2 {
			return Response{Status: "ERROR", Message: "GET requires a key"}
		}
		value, err := s.eng.Get(root, []byte(parts[1]))
		if err == engine.ErrKeyNotFound {
			return Response{Status: "NOT_FOUND", Message: parts[1]}
		}
		if err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		return Response{Status: "OK", Message: string(value)}

	case "DELETE":
		if len(parts) < 2 {
			return Response{Status: "ERROR", Message: "DELETE requires a key"}
		}
		if err := s.eng.Del(root, []byte(parts[1])); err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		return Response{Status: "OK", Message: "deleted"}

	case "BEGIN":
		isolation := txn.IsolationReadCommitted
		if len(parts) > 1 && strings.EqualFold(parts[1], "uncommitted") {
			isolation = txn.IsolationReadUncommitted
		}
		if err := s.eng.BeginTransaction(root, isolation); err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		return Response{Status: "OK", Message: fmt.Sprintf("transaction %d", root.Txn().ID())}

	case "COMMIT":
		if err := s.eng.EndTransaction(root, engine.CommitNormal); err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		return Response{Status: "OK", Message: "committed"}

	case "ABORT":
		if err := s.eng.AbortTransaction(root); err != nil {
			return Response{Status: "ERROR", Message: err.Error()}
		}
		return Response{Status: "OK", Message: "aborted"}

	default:
		return Response{Status: "ERROR", Message: fmt.Sprintf("unknown command: %s", command)}
	}
}
