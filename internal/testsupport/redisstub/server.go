// Package redisstub is a minimal RESP2 server covering the hash and list
// commands used by the Redis registry and the counter commands used by the
// mutation rate limiter, for tests that must not depend on a real Redis
// instance.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	// txMu lets EXEC run its queued commands without interleaving.
	txMu     sync.RWMutex
	hashes   map[string]map[string]string
	lists    map[string][]string
	counters map[string]int64
	expiries map[string]time.Time
	commands map[string]int
	closed   chan struct{}
	certPEM  []byte
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:     opts,
		hashes:   make(map[string]map[string]string),
		lists:    make(map[string][]string),
		counters: make(map[string]int64),
		expiries: make(map[string]time.Time),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var ln net.Listener
	var err error
	if opts.EnableTLS {
		certPEM, _, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// CommandCount reports how many times the named command was dispatched.
func (s *Server) CommandCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(name)]
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	inMulti := false
	var queued [][]string
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var writeErr error
		cmd := strings.ToUpper(args[0])
		if inMulti && cmd != "EXEC" && cmd != "DISCARD" && cmd != "MULTI" {
			queued = append(queued, args)
			if writeSimpleString(writer, "QUEUED") != nil {
				return
			}
			continue
		}
		switch cmd {
		case "MULTI":
			if inMulti {
				writeErr = writeError(writer, "ERR MULTI calls can not be nested")
				break
			}
			inMulti = true
			writeErr = writeSimpleString(writer, "OK")
		case "DISCARD":
			if !inMulti {
				writeErr = writeError(writer, "ERR DISCARD without MULTI")
				break
			}
			inMulti, queued = false, nil
			writeErr = writeSimpleString(writer, "OK")
		case "EXEC":
			if !inMulti {
				writeErr = writeError(writer, "ERR EXEC without MULTI")
				break
			}
			commands := queued
			inMulti, queued = false, nil
			if !authenticated {
				writeErr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			writeErr = s.exec(writer, commands)
		case "HELLO":
			// RESP3 is not supported; clients fall back to RESP2.
			writeErr = writeError(writer, "ERR unknown command 'HELLO'")
		case "PING":
			writeErr = writeSimpleString(writer, "PONG")
		case "AUTH":
			password := ""
			switch len(args) {
			case 2:
				password = args[1]
			case 3:
				password = args[2]
			default:
				writeErr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			}
			if writeErr != nil || len(args) < 2 || len(args) > 3 {
				break
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				writeErr = writeSimpleString(writer, "OK")
			} else {
				writeErr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			writeErr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				writeErr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			s.txMu.RLock()
			writeErr = s.dispatch(writer, args)
			s.txMu.RUnlock()
		}
		if writeErr != nil {
			return
		}
	}
}

// exec replies to EXEC with one array holding each queued command's reply.
func (s *Server) exec(writer *bufio.Writer, commands [][]string) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if _, err := fmt.Fprintf(writer, "*%d\r\n", len(commands)); err != nil {
		return err
	}
	for _, args := range commands {
		if err := s.dispatch(writer, args); err != nil {
			return err
		}
	}
	return writer.Flush()
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	cmd := strings.ToUpper(args[0])
	s.mu.Lock()
	s.commands[cmd]++
	s.mu.Unlock()

	switch cmd {
	case "HSETNX":
		if len(args) != 4 {
			return writeError(writer, "ERR wrong number of arguments for 'hsetnx'")
		}
		s.mu.Lock()
		hash := s.ensureHash(args[1])
		_, exists := hash[args[2]]
		if !exists {
			hash[args[2]] = args[3]
		}
		s.mu.Unlock()
		if exists {
			return writeInteger(writer, 0)
		}
		return writeInteger(writer, 1)
	case "HEXISTS":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'hexists'")
		}
		s.mu.Lock()
		_, ok := s.hashes[args[1]][args[2]]
		s.mu.Unlock()
		if ok {
			return writeInteger(writer, 1)
		}
		return writeInteger(writer, 0)
	case "HGET":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'hget'")
		}
		s.mu.Lock()
		value, ok := s.hashes[args[1]][args[2]]
		s.mu.Unlock()
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "HMGET":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'hmget'")
		}
		s.mu.Lock()
		hash := s.hashes[args[1]]
		values := make([]interface{}, 0, len(args)-2)
		for _, field := range args[2:] {
			if value, ok := hash[field]; ok {
				values = append(values, value)
			} else {
				values = append(values, nil)
			}
		}
		s.mu.Unlock()
		return writeArray(writer, values)
	case "HDEL":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'hdel'")
		}
		s.mu.Lock()
		removed := int64(0)
		hash := s.hashes[args[1]]
		for _, field := range args[2:] {
			if _, ok := hash[field]; ok {
				delete(hash, field)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, removed)
	case "RPUSH":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'rpush'")
		}
		s.mu.Lock()
		s.lists[args[1]] = append(s.lists[args[1]], args[2:]...)
		length := int64(len(s.lists[args[1]]))
		s.mu.Unlock()
		return writeInteger(writer, length)
	case "LRANGE":
		if len(args) != 4 {
			return writeError(writer, "ERR wrong number of arguments for 'lrange'")
		}
		start, errStart := strconv.Atoi(args[2])
		stop, errStop := strconv.Atoi(args[3])
		if errStart != nil || errStop != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		s.mu.Lock()
		values := lrange(s.lists[args[1]], start, stop)
		s.mu.Unlock()
		return writeArray(writer, values)
	case "LREM":
		if len(args) != 4 {
			return writeError(writer, "ERR wrong number of arguments for 'lrem'")
		}
		s.mu.Lock()
		list := s.lists[args[1]]
		kept := list[:0]
		removed := int64(0)
		for _, value := range list {
			if value == args[3] {
				removed++
				continue
			}
			kept = append(kept, value)
		}
		s.lists[args[1]] = kept
		s.mu.Unlock()
		return writeInteger(writer, removed)
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		s.mu.Lock()
		s.expireLocked(args[1])
		s.counters[args[1]]++
		value := s.counters[args[1]]
		s.mu.Unlock()
		return writeInteger(writer, value)
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.Atoi(args[2])
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		s.mu.Lock()
		_, ok := s.counters[args[1]]
		if ok {
			s.expiries[args[1]] = time.Now().Add(time.Duration(seconds) * time.Second)
		}
		s.mu.Unlock()
		if !ok {
			return writeInteger(writer, 0)
		}
		return writeInteger(writer, 1)
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		s.mu.Lock()
		s.expireLocked(args[1])
		_, ok := s.counters[args[1]]
		deadline, hasDeadline := s.expiries[args[1]]
		s.mu.Unlock()
		switch {
		case !ok:
			return writeInteger(writer, -2)
		case !hasDeadline:
			return writeInteger(writer, -1)
		default:
			remaining := time.Until(deadline)
			return writeInteger(writer, int64((remaining+time.Second-1)/time.Second))
		}
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

// ExpireAll drops every counter, as if their TTLs had elapsed.
func (s *Server) ExpireAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]int64)
	s.expiries = make(map[string]time.Time)
}

func (s *Server) expireLocked(key string) {
	if deadline, ok := s.expiries[key]; ok && !time.Now().Before(deadline) {
		delete(s.counters, key)
		delete(s.expiries, key)
	}
}

func (s *Server) ensureHash(name string) map[string]string {
	hash, ok := s.hashes[name]
	if !ok {
		hash = make(map[string]string)
		s.hashes[name] = hash
	}
	return hash
}

func lrange(list []string, start, stop int) []interface{} {
	n := len(list)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	values := make([]interface{}, 0)
	for i := start; i <= stop && i < n; i++ {
		values = append(values, list[i])
	}
	return values
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case nil:
			_, err = w.WriteString("$-1\r\n")
		case string:
			_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		case int64:
			_, err = fmt.Fprintf(w, ":%d\r\n", v)
		default:
			s := fmt.Sprint(v)
			_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
		}
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
