package h2mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/torosent/barrage/internal/clientmetrics"
	"github.com/torosent/barrage/internal/gun"
	"github.com/torosent/barrage/internal/sample"
)

const (
	frameHeaderLen      = 9
	defaultFrameSize    = 16384
	defaultWindow       = 65535
	streamWindow        = 1 << 20
	connWindow          = 1 << 24
	maxStreamID         = 1<<31 - 1
	readChunk           = 32 << 10
	headerTableSize     = 4096
	defaultPoll         = 50 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

var (
	errNoHeaders   = errors.New("stream ended before response headers")
	errPeerClosed  = &gun.CodedError{Code: "CONNECTION_CLOSED", Err: io.EOF}
	errStreamLimit = errors.New("stream ids exhausted")
)

// Request is one HTTP/2 request submitted on a session.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// SessionOptions tunes the I/O loop of a session.
type SessionOptions struct {
	Scheme       string // "https" or "http"
	Authority    string
	PollInterval time.Duration // read deadline of one loop turn
	WriteTimeout time.Duration
	Metrics      *clientmetrics.ClientMetrics
}

// Session is a client HTTP/2 connection driven by an explicit read/write
// loop. Outgoing frames are encoded into an output buffer and flushed to the
// socket; incoming bytes are buffered until a complete frame is available
// and then dispatched to the stream handlers. A session is used by one
// goroutine at a time.
type Session struct {
	conn   net.Conn
	opts   SessionOptions
	out    bytes.Buffer
	in     bytes.Buffer
	framer *http2.Framer

	hbuf bytes.Buffer
	enc  *hpack.Encoder
	dec  *hpack.Decoder

	streams map[uint32]*stream
	pending []*stream
	sending []*stream // streams with request body left to send
	nextID  uint32
	written int64

	// header block being assembled across HEADERS and CONTINUATION frames
	hdrStream    uint32
	hdrStatus    string
	hdrEndStream bool

	maxFrameSize uint32
	peerWindow   int64 // initial stream window announced by the peer
	sendWindow   int64 // connection window

	goAway bool
	closed bool
	broken bool
	err    error
}

// NewSession wraps an established connection. The client preface and
// initial settings are queued and go out with the first flush.
func NewSession(conn net.Conn, opts SessionOptions) *Session {
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPoll
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = clientmetrics.New()
	}
	s := &Session{
		conn:         conn,
		opts:         opts,
		streams:      make(map[uint32]*stream),
		nextID:       1,
		maxFrameSize: defaultFrameSize,
		peerWindow:   defaultWindow,
		sendWindow:   defaultWindow,
	}
	s.framer = http2.NewFramer(&s.out, &s.in)
	s.enc = hpack.NewEncoder(&s.hbuf)
	s.dec = hpack.NewDecoder(headerTableSize, s.onHeaderField)

	s.out.WriteString(http2.ClientPreface)
	s.framer.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: streamWindow},
	)
	s.framer.WriteWindowUpdate(0, connWindow-defaultWindow)
	return s
}

// Healthy reports whether new streams may be opened on the session.
func (s *Session) Healthy() bool {
	return !s.closed && !s.broken && !s.goAway && s.err == nil && s.nextID <= maxStreamID
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	s.closed = true
	return s.conn.Close()
}

// submit queues the frames of req on a new stream. Samples of the stream
// are labelled with task and scenario and emitted to out.
func (s *Session) submit(req Request, task sample.Task, scenario string, out sample.Sink) (*stream, error) {
	if !s.Healthy() {
		return nil, errors.New("session is not usable")
	}
	if s.nextID > maxStreamID {
		return nil, errStreamLimit
	}
	id := s.nextID
	s.nextID += 2
	st := newStream(id, task, scenario, out)

	s.hbuf.Reset()
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	path := req.Path
	if path == "" {
		path = "/"
	}
	s.writeField(":method", method)
	s.writeField(":scheme", s.opts.Scheme)
	s.writeField(":authority", s.opts.Authority)
	s.writeField(":path", path)
	for key, values := range req.Header {
		name := strings.ToLower(key)
		if isConnectionHeader(name) {
			continue
		}
		for _, v := range values {
			s.writeField(name, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		s.writeField("user-agent", "barrage")
	}
	if len(req.Body) > 0 {
		s.writeField("content-length", strconv.Itoa(len(req.Body)))
	}

	block := s.hbuf.Bytes()
	endStream := len(req.Body) == 0
	first := block
	if len(first) > int(s.maxFrameSize) {
		first = block[:s.maxFrameSize]
	}
	block = block[len(first):]
	if err := s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(block) == 0,
	}); err != nil {
		return nil, err
	}
	for len(block) > 0 {
		chunk := block
		if len(chunk) > int(s.maxFrameSize) {
			chunk = block[:s.maxFrameSize]
		}
		block = block[len(chunk):]
		if err := s.framer.WriteContinuation(id, len(block) == 0, chunk); err != nil {
			return nil, err
		}
	}
	s.streams[id] = st
	s.pending = append(s.pending, st)
	if len(req.Body) == 0 {
		st.flushMark = s.written + int64(s.out.Len())
		return st, nil
	}
	st.body = req.Body
	st.window = s.peerWindow
	st.flushMark = math.MaxInt64
	s.sending = append(s.sending, st)
	if err := s.writeBodies(); err != nil {
		s.broken = true
		return nil, err
	}
	return st, nil
}

// writeBodies queues as much request body as the connection and stream
// windows allow. A stream counts as sent once its last DATA frame is
// flushed.
func (s *Session) writeBodies() error {
	kept := s.sending[:0]
	for _, st := range s.sending {
		for len(st.body) > 0 && !st.finished() {
			n := min(int64(len(st.body)), int64(s.maxFrameSize), s.sendWindow, st.window)
			if n <= 0 {
				break
			}
			chunk := st.body[:n]
			st.body = st.body[n:]
			if err := s.framer.WriteData(st.id, len(st.body) == 0, chunk); err != nil {
				return err
			}
			s.sendWindow -= n
			st.window -= n
		}
		if len(st.body) > 0 && !st.finished() {
			kept = append(kept, st)
			continue
		}
		st.body = nil
		st.flushMark = s.written + int64(s.out.Len())
	}
	s.sending = kept
	return nil
}

func (s *Session) writeField(name, value string) {
	s.enc.WriteField(hpack.HeaderField{Name: name, Value: value})
}

func isConnectionHeader(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "host":
		return true
	}
	return false
}

func (s *Session) wantWrite() bool { return s.out.Len() > 0 }

func (s *Session) wantRead() bool { return !s.closed && s.err == nil }

// drive runs the I/O loop until every stream in streams has finished, the
// peer closes the connection, or ctx is done. Streams left unfinished are
// failed. The returned error is the connection-level failure, if any.
func (s *Session) drive(ctx context.Context, streams []*stream) error {
	buf := make([]byte, readChunk)
	for (s.wantRead() || s.wantWrite()) && !allFinished(streams) {
		if err := ctx.Err(); err != nil {
			s.abort(streams, err)
			return err
		}
		if err := s.flush(); err != nil {
			return s.fail(streams, err)
		}
		n, err := s.read(ctx, buf)
		if n > 0 {
			s.opts.Metrics.IncrementReceived(int64(n))
			if ferr := s.feed(buf[:n]); ferr != nil {
				return s.fail(streams, ferr)
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				s.closed = true
				break
			}
			return s.fail(streams, err)
		}
		if n == 0 {
			s.closed = true
			break
		}
	}
	if !s.closed && s.err == nil {
		// acknowledgements and window updates produced by the last read
		if err := s.flush(); err != nil {
			return s.fail(streams, err)
		}
	}
	if s.closed {
		for _, st := range streams {
			s.finish(st, errPeerClosed)
		}
	}
	return nil
}

func allFinished(streams []*stream) bool {
	for _, st := range streams {
		if !st.finished() {
			return false
		}
	}
	return true
}

func (s *Session) flush() error {
	for s.out.Len() > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return err
		}
		n, err := s.conn.Write(s.out.Bytes())
		s.out.Next(n)
		s.written += int64(n)
		s.opts.Metrics.IncrementSent(int64(n))
		s.notifySent()
		if err != nil {
			return err
		}
	}
	return nil
}

// notifySent moves streams whose request frames reached the socket to
// REQUEST_SENT.
func (s *Session) notifySent() {
	kept := s.pending[:0]
	for _, st := range s.pending {
		if st.flushMark <= s.written {
			st.onRequestSent()
			continue
		}
		kept = append(kept, st)
	}
	s.pending = kept
}

func (s *Session) read(ctx context.Context, buf []byte) (int, error) {
	deadline := time.Now().Add(s.opts.PollInterval)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return s.conn.Read(buf)
}

// abort fails unfinished streams after ctx expired and resets them on the
// wire. The session is not reused afterwards.
func (s *Session) abort(streams []*stream, err error) {
	s.broken = true
	for _, st := range streams {
		if !st.finished() {
			s.framer.WriteRSTStream(st.id, http2.ErrCodeCancel)
		}
		s.finish(st, err)
	}
	s.flush()
}

func (s *Session) fail(streams []*stream, err error) error {
	s.err = err
	for _, st := range streams {
		s.finish(st, err)
	}
	return err
}

func (s *Session) finish(st *stream, err error) {
	st.onError(err)
	if st.finished() {
		delete(s.streams, st.id)
	}
}

// feed buffers received bytes and dispatches every complete frame.
func (s *Session) feed(data []byte) error {
	s.in.Write(data)
	for s.frameReady() {
		f, err := s.framer.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				if st := s.streams[se.StreamID]; st != nil {
					s.finish(st, &gun.CodedError{Code: se.Code.String(), Err: err})
				}
				continue
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if err := s.dispatch(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) frameReady() bool {
	b := s.in.Bytes()
	if len(b) < frameHeaderLen {
		return false
	}
	n := int(b[0])<<16 | int(b[1])<<8 | int(b[2])
	return len(b) >= frameHeaderLen+n
}

func (s *Session) dispatch(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return s.onSettings(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			return s.framer.WritePing(true, f.Data)
		}
	case *http2.WindowUpdateFrame:
		if f.StreamID == 0 {
			s.sendWindow += int64(f.Increment)
		} else if st := s.streams[f.StreamID]; st != nil {
			st.window += int64(f.Increment)
		}
		return s.writeBodies()
	case *http2.GoAwayFrame:
		s.onGoAway(f)
	case *http2.RSTStreamFrame:
		if st := s.streams[f.StreamID]; st != nil {
			s.finish(st, &gun.CodedError{Code: f.ErrCode.String(), Err: errors.New("stream reset by peer")})
		}
	case *http2.HeadersFrame:
		s.hdrStream = f.StreamID
		s.hdrStatus = ""
		s.hdrEndStream = f.StreamEnded()
		if _, err := s.dec.Write(f.HeaderBlockFragment()); err != nil {
			return fmt.Errorf("decode headers: %w", err)
		}
		if f.HeadersEnded() {
			return s.onHeaderBlock()
		}
	case *http2.ContinuationFrame:
		if _, err := s.dec.Write(f.HeaderBlockFragment()); err != nil {
			return fmt.Errorf("decode headers: %w", err)
		}
		if f.HeadersEnded() {
			return s.onHeaderBlock()
		}
	case *http2.DataFrame:
		return s.onData(f)
	}
	return nil
}

func (s *Session) onSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	err := f.ForeachSetting(func(set http2.Setting) error {
		switch set.ID {
		case http2.SettingMaxFrameSize:
			s.maxFrameSize = set.Val
		case http2.SettingInitialWindowSize:
			delta := int64(set.Val) - s.peerWindow
			s.peerWindow = int64(set.Val)
			for _, st := range s.sending {
				st.window += delta
			}
		case http2.SettingHeaderTableSize:
			s.enc.SetMaxDynamicTableSizeLimit(set.Val)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.framer.WriteSettingsAck(); err != nil {
		return err
	}
	return s.writeBodies()
}

// onGoAway fails streams the peer will not process. Streams at or below the
// last stream id still complete, but no new streams are opened.
func (s *Session) onGoAway(f *http2.GoAwayFrame) {
	s.goAway = true
	for id, st := range s.streams {
		if id > f.LastStreamID {
			s.finish(st, &gun.CodedError{
				Code: "GOAWAY",
				Err:  fmt.Errorf("stream %d not processed, last stream %d: %s", id, f.LastStreamID, f.ErrCode),
			})
		}
	}
}

func (s *Session) onHeaderField(f hpack.HeaderField) {
	if f.Name == ":status" {
		s.hdrStatus = f.Value
	}
}

func (s *Session) onHeaderBlock() error {
	if err := s.dec.Close(); err != nil {
		return fmt.Errorf("decode headers: %w", err)
	}
	st := s.streams[s.hdrStream]
	if st == nil {
		return nil
	}
	// informational responses precede the final header block
	if strings.HasPrefix(s.hdrStatus, "1") && !s.hdrEndStream {
		return nil
	}
	if s.hdrStatus != "" {
		st.onHeaders(s.hdrStatus)
	}
	if s.hdrEndStream {
		st.onEnd()
		if st.finished() {
			delete(s.streams, st.id)
		}
	}
	return nil
}

// onData counts the payload and returns the flow-control credit, padding
// included, to the peer.
func (s *Session) onData(f *http2.DataFrame) error {
	n := f.Header().Length
	if n > 0 {
		if err := s.framer.WriteWindowUpdate(0, n); err != nil {
			return err
		}
	}
	st := s.streams[f.StreamID]
	if st == nil {
		return nil
	}
	st.onData(len(f.Data()))
	if f.StreamEnded() {
		st.onEnd()
		delete(s.streams, st.id)
		return nil
	}
	if n > 0 {
		return s.framer.WriteWindowUpdate(f.StreamID, n)
	}
	return nil
}
