// Package redisstub runs a small in-process RESP2 server that understands the
// subset of Redis commands used by the session registry, the event bus
// and the upload rate limiter, including WATCH/MULTI/EXEC transactions.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sort"
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
	// txMu lets EXEC run its queued commands without interleaving with
	// other connections.
	txMu     sync.RWMutex
	streams  map[string]*redisStream
	keys     map[string]*keyEntry
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type redisStream struct {
	entries []streamEntry
	groups  map[string]*groupState
}

type streamEntry struct {
	id     string
	values []string
}

type groupState struct {
	nextIndex int
	pending   map[string]struct{}
}

// keyEntry holds either a string or a set value.
type keyEntry struct {
	str    string
	set    map[string]struct{}
	expiry time.Time
}

func (e *keyEntry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:    opts,
		streams: make(map[string]*redisStream),
		keys:    make(map[string]*keyEntry),
		closed:  make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
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

func (s *Server) KeyPEM() []byte {
	return s.keyPEM
}

// Keys returns the live keys matching prefix, sorted. Tests use it to assert
// cleanup.
func (s *Server) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []string
	for key, entry := range s.keys {
		if entry.expired(now) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// FastForward shifts every key expiry back by d, simulating elapsed time.
func (s *Server) FastForward(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.keys {
		if !entry.expiry.IsZero() {
			entry.expiry = entry.expiry.Add(-d)
		}
	}
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
	var (
		inMulti bool
		queued  [][]string
		watched map[string]keyVersion
	)
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			if len(args) != 2 && len(args) != 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
				break
			}
			password := args[len(args)-1]
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "HELLO":
			// Force clients onto RESP2.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT", "SELECT":
			werr = writeSimpleString(writer, "OK")
		case "MULTI":
			if inMulti {
				werr = writeError(writer, "ERR MULTI calls can not be nested")
				break
			}
			inMulti, queued = true, nil
			werr = writeSimpleString(writer, "OK")
		case "EXEC":
			if !inMulti {
				werr = writeError(writer, "ERR EXEC without MULTI")
				break
			}
			werr = s.exec(writer, queued, watched)
			inMulti, queued, watched = false, nil, nil
		case "DISCARD":
			if !inMulti {
				werr = writeError(writer, "ERR DISCARD without MULTI")
				break
			}
			inMulti, queued, watched = false, nil, nil
			werr = writeSimpleString(writer, "OK")
		case "WATCH":
			if inMulti {
				werr = writeError(writer, "ERR WATCH inside MULTI is not allowed")
				break
			}
			if len(args) < 2 {
				werr = wrongArgs(writer, "WATCH")
				break
			}
			if watched == nil {
				watched = make(map[string]keyVersion)
			}
			for _, key := range args[1:] {
				watched[key] = s.versionOf(key)
			}
			werr = writeSimpleString(writer, "OK")
		case "UNWATCH":
			watched = nil
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			if inMulti {
				queued = append(queued, args)
				werr = writeSimpleString(writer, "QUEUED")
				break
			}
			werr = s.run(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

// keyVersion identifies the state of a key closely enough to detect writes
// between WATCH and EXEC.
type keyVersion struct {
	entry   *keyEntry
	str     string
	members int
	expiry  time.Time
}

func (s *Server) versionOf(key string) keyVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		return keyVersion{}
	}
	return keyVersion{entry: entry, str: entry.str, members: len(entry.set), expiry: entry.expiry}
}

// run executes one command outside a transaction. Blocking stream reads skip
// the transaction lock so they cannot stall EXEC.
func (s *Server) run(w *bufio.Writer, args []string) error {
	if strings.EqualFold(args[0], "XREADGROUP") {
		return s.dispatch(w, args)
	}
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	return s.dispatch(w, args)
}

func (s *Server) exec(w *bufio.Writer, queued [][]string, watched map[string]keyVersion) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	for key, version := range watched {
		if s.versionOf(key) != version {
			if _, err := w.WriteString("*-1\r\n"); err != nil {
				return err
			}
			return w.Flush()
		}
	}
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(queued)); err != nil {
		return err
	}
	for _, args := range queued {
		if err := s.dispatch(w, args); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (s *Server) dispatch(w *bufio.Writer, args []string) error {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "GET":
		if len(args) != 2 {
			return wrongArgs(w, cmd)
		}
		value, ok := s.getString(args[1])
		if !ok {
			return writeBulkNil(w)
		}
		return writeBulkString(w, value)
	case "SET":
		return s.handleSet(w, args)
	case "DEL":
		if len(args) < 2 {
			return wrongArgs(w, cmd)
		}
		return writeInteger(w, s.del(args[1:]))
	case "INCR":
		if len(args) != 2 {
			return wrongArgs(w, cmd)
		}
		value, err := s.incr(args[1])
		if err != nil {
			return writeError(w, err.Error())
		}
		return writeInteger(w, value)
	case "EXISTS":
		if len(args) < 2 {
			return wrongArgs(w, cmd)
		}
		return writeInteger(w, s.exists(args[1:]))
	case "EXPIRE":
		if len(args) != 3 {
			return wrongArgs(w, cmd)
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		return writeInteger(w, s.expire(args[1], time.Duration(seconds)*time.Second))
	case "TTL":
		if len(args) != 2 {
			return wrongArgs(w, cmd)
		}
		return writeInteger(w, s.ttl(args[1]))
	case "SADD":
		if len(args) < 3 {
			return wrongArgs(w, cmd)
		}
		return writeInteger(w, s.sadd(args[1], args[2:]))
	case "SREM":
		if len(args) < 3 {
			return wrongArgs(w, cmd)
		}
		return writeInteger(w, s.srem(args[1], args[2:]))
	case "SMEMBERS":
		if len(args) != 2 {
			return wrongArgs(w, cmd)
		}
		members := s.smembers(args[1])
		values := make([]interface{}, 0, len(members))
		for _, member := range members {
			values = append(values, member)
		}
		return writeArray(w, values)
	case "SCARD":
		if len(args) != 2 {
			return wrongArgs(w, cmd)
		}
		return writeInteger(w, int64(len(s.smembers(args[1]))))
	case "XADD":
		return s.handleXAdd(w, args)
	case "XGROUP":
		return s.handleXGroup(w, args)
	case "XREADGROUP":
		return s.handleXReadGroup(w, args)
	case "XACK":
		if len(args) < 4 {
			return wrongArgs(w, cmd)
		}
		return writeInteger(w, int64(s.ack(args[1], args[2], args[3:])))
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func wrongArgs(w *bufio.Writer, cmd string) error {
	return writeError(w, fmt.Sprintf("ERR wrong number of arguments for '%s'", strings.ToLower(cmd)))
}

// lookup returns the live entry for key, dropping it when expired. Callers
// must hold s.mu.
func (s *Server) lookup(key string) *keyEntry {
	entry, ok := s.keys[key]
	if !ok {
		return nil
	}
	if entry.expired(time.Now()) {
		delete(s.keys, key)
		return nil
	}
	return entry
}

func (s *Server) getString(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil || entry.set != nil {
		return "", false
	}
	return entry.str, true
}

func (s *Server) handleSet(w *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return wrongArgs(w, "SET")
	}
	key, value := args[1], args[2]
	var ttl time.Duration
	var nx, xx, keepTTL, get bool
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "EX", "PX":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(w, "ERR invalid expire time in 'set' command")
			}
			if strings.EqualFold(args[i], "EX") {
				ttl = time.Duration(n) * time.Second
			} else {
				ttl = time.Duration(n) * time.Millisecond
			}
			i++
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "KEEPTTL":
			keepTTL = true
		case "GET":
			get = true
		default:
			return writeError(w, "ERR syntax error")
		}
	}

	s.mu.Lock()
	existing := s.lookup(key)
	if get && existing != nil && existing.set != nil {
		s.mu.Unlock()
		return writeError(w, "WRONGTYPE Operation against a key holding the wrong kind of value")
	}
	reply := func() error {
		if !get {
			return writeSimpleString(w, "OK")
		}
		if existing == nil {
			return writeBulkNil(w)
		}
		return writeBulkString(w, existing.str)
	}
	if (nx && existing != nil) || (xx && existing == nil) {
		s.mu.Unlock()
		if get {
			return reply()
		}
		return writeBulkNil(w)
	}
	entry := &keyEntry{str: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	} else if keepTTL && existing != nil {
		entry.expiry = existing.expiry
	}
	s.keys[key] = entry
	s.mu.Unlock()
	return reply()
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		entry = &keyEntry{str: "0"}
		s.keys[key] = entry
	}
	if entry.set != nil {
		return 0, errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	}
	current, err := strconv.ParseInt(entry.str, 10, 64)
	if err != nil {
		return 0, errors.New("ERR value is not an integer or out of range")
	}
	current++
	entry.str = strconv.FormatInt(current, 10)
	return current, nil
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if s.lookup(key) != nil {
			delete(s.keys, key)
			removed++
		}
	}
	return removed
}

func (s *Server) exists(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, key := range keys {
		if s.lookup(key) != nil {
			count++
		}
	}
	return count
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		return 0
	}
	if ttl <= 0 {
		delete(s.keys, key)
		return 1
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	return int64((remaining + time.Second - 1) / time.Second)
}

func (s *Server) sadd(key string, members []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil {
		entry = &keyEntry{set: make(map[string]struct{})}
		s.keys[key] = entry
	}
	if entry.set == nil {
		entry.set = make(map[string]struct{})
	}
	var added int64
	for _, member := range members {
		if _, ok := entry.set[member]; !ok {
			entry.set[member] = struct{}{}
			added++
		}
	}
	return added
}

func (s *Server) srem(key string, members []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil || entry.set == nil {
		return 0
	}
	var removed int64
	for _, member := range members {
		if _, ok := entry.set[member]; ok {
			delete(entry.set, member)
			removed++
		}
	}
	if len(entry.set) == 0 {
		delete(s.keys, key)
	}
	return removed
}

func (s *Server) smembers(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.lookup(key)
	if entry == nil || entry.set == nil {
		return nil
	}
	out := make([]string, 0, len(entry.set))
	for member := range entry.set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}

func (s *Server) handleXAdd(w *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return wrongArgs(w, "XADD")
	}
	stream := args[1]
	i := 2
	// Skip trimming options; the stub never trims.
options:
	for i < len(args) {
		switch strings.ToUpper(args[i]) {
		case "NOMKSTREAM":
			i++
		case "MAXLEN", "MINID":
			i++
			if i < len(args) && (args[i] == "~" || args[i] == "=") {
				i++
			}
			i++
		case "LIMIT":
			i += 2
		default:
			break options
		}
	}
	if i >= len(args) {
		return writeError(w, "ERR syntax error")
	}
	id := args[i]
	fields := args[i+1:]
	if len(fields) == 0 || len(fields)%2 != 0 {
		return wrongArgs(w, "XADD")
	}
	s.mu.Lock()
	if id == "*" {
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), len(s.ensureStream(stream).entries))
	}
	strm := s.ensureStream(stream)
	strm.entries = append(strm.entries, streamEntry{id: id, values: append([]string(nil), fields...)})
	s.mu.Unlock()
	return writeBulkString(w, id)
}

func (s *Server) handleXGroup(w *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return wrongArgs(w, "XGROUP")
	}
	if !strings.EqualFold(args[1], "CREATE") {
		return writeError(w, "ERR only CREATE supported")
	}
	stream := args[2]
	group := args[3]
	s.mu.Lock()
	strm := s.ensureStream(stream)
	if _, exists := strm.groups[group]; exists {
		s.mu.Unlock()
		return writeError(w, "BUSYGROUP Consumer Group name already exists")
	}
	start := 0
	if args[4] == "$" {
		start = len(strm.entries)
	}
	strm.groups[group] = &groupState{nextIndex: start, pending: make(map[string]struct{})}
	s.mu.Unlock()
	return writeSimpleString(w, "OK")
}

func (s *Server) ensureStream(name string) *redisStream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &redisStream{}
		s.streams[name] = strm
	}
	if strm.groups == nil {
		strm.groups = make(map[string]*groupState)
	}
	return strm
}

func (s *Server) handleXReadGroup(w *bufio.Writer, args []string) error {
	if len(args) < 6 {
		return wrongArgs(w, "XREADGROUP")
	}
	var group, stream string
	count := 1
	blockMs := 0
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			group = args[i+1]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR invalid COUNT")
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR invalid BLOCK")
			}
			blockMs = v
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			stream = args[i+1]
			i = len(args)
		}
	}
	if stream == "" || group == "" {
		return writeError(w, "ERR missing stream or group")
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		items, err := s.readGroup(stream, group, count)
		if err != nil {
			return writeError(w, err.Error())
		}
		if len(items) > 0 {
			return writeArray(w, []interface{}{items})
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeBulkNil(w)
		}
		select {
		case <-s.closed:
			return io.EOF
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) readGroup(stream, group string, count int) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.ensureStream(stream)
	state, ok := strm.groups[group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", stream, group)
	}
	start := state.nextIndex
	if start >= len(strm.entries) {
		return nil, nil
	}
	end := start + count
	if count <= 0 || end > len(strm.entries) {
		end = len(strm.entries)
	}
	records := make([]interface{}, 0, end-start)
	for i := start; i < end; i++ {
		entry := strm.entries[i]
		state.pending[entry.id] = struct{}{}
		fields := make([]interface{}, 0, len(entry.values))
		for _, v := range entry.values {
			fields = append(fields, v)
		}
		records = append(records, []interface{}{entry.id, fields})
	}
	state.nextIndex = end
	return []interface{}{stream, records}, nil
}

// Pending reports the number of delivered but unacknowledged entries.
func (s *Server) Pending(stream, group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	return len(state.pending)
}

func (s *Server) ack(stream, group string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[stream]
	if !ok {
		return 0
	}
	state, ok := strm.groups[group]
	if !ok {
		return 0
	}
	count := 0
	for _, id := range ids {
		if _, exists := state.pending[id]; exists {
			delete(state.pending, id)
			count++
		}
	}
	return count
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
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
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
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
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
	if err := writeBulkStringRaw(w, value); err != nil {
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
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case string:
			err = writeBulkStringRaw(w, v)
		case int64:
			_, err = fmt.Fprintf(w, ":%d\r\n", v)
		case []interface{}:
			err = writeArrayRaw(w, v)
		default:
			err = writeBulkStringRaw(w, fmt.Sprint(v))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
