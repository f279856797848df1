// Package eventlog implements the Log Client described in spec.md §4.2: a
// thin, durable, ordered append-only stream with server-side named
// consumers. The real backbone (a JetStream-equivalent broker) is an
// external collaborator per spec.md §1; this package plays the role of the
// client the core owns, persisting records to disk so a restart without a
// snapshot can still replay history.
package eventlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"

	"worldstate/internal/logging"
)

// ErrClosed is returned by operations on a closed Log.
var ErrClosed = errors.New("eventlog: closed")

// Record is a single persisted, sequenced log entry.
type Record struct {
	Sequence uint64
	Subject  string
	Data     []byte
}

// Log owns the on-disk segment for one or more named streams.
type Log struct {
	mu      sync.Mutex
	dir     string
	log     *logging.Logger
	streams map[string]*stream
	closed  bool
}

// Open opens (creating if necessary) the log directory, ready to serve
// EnsureStream/Append/OpenDurableConsumer calls.
func Open(dir string, logger *logging.Logger) (*Log, error) {
	if logger == nil {
		logger = logging.L()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir: %w", err)
	}
	return &Log{dir: dir, log: logger, streams: make(map[string]*stream)}, nil
}

// EnsureStream idempotently creates the named stream, loading any existing
// on-disk segment and consumer offsets.
func (l *Log) EnsureStream(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.streams[name]; ok {
		return nil
	}
	s, err := openStream(l.dir, name, l.log)
	if err != nil {
		return err
	}
	l.streams[name] = s
	return nil
}

func (l *Log) getStream(name string) (*stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	s, ok := l.streams[name]
	if !ok {
		return nil, fmt.Errorf("eventlog: stream %q not found, call EnsureStream first", name)
	}
	return s, nil
}

// Append durably appends data to the named stream subject and returns the
// monotonic sequence number assigned to the record.
func (l *Log) Append(ctx context.Context, streamName, subject string, data []byte) (uint64, error) {
	s, err := l.getStream(streamName)
	if err != nil {
		return 0, err
	}
	return s.append(ctx, subject, data)
}

// OpenDurableConsumer creates or reuses a named server-side cursor. If the
// consumer already exists, its persisted offset is resumed and startSeq is
// ignored; a brand new consumer begins delivering with the record after
// sequence startSeq (startSeq 0 delivers from the first record).
func (l *Log) OpenDurableConsumer(streamName, consumerName string, startSeq uint64) (*Consumer, error) {
	s, err := l.getStream(streamName)
	if err != nil {
		return nil, err
	}
	return s.openConsumer(consumerName, startSeq)
}

// DeleteConsumer removes a named consumer's persisted offset. Per spec.md
// §4.2 this MUST be called before recreating a consumer at sequence 0 when
// the caller intends a cold start with no local snapshot — otherwise the
// previously-acknowledged offset would silently skip history.
func (l *Log) DeleteConsumer(streamName, consumerName string) error {
	s, err := l.getStream(streamName)
	if err != nil {
		return err
	}
	return s.deleteConsumer(consumerName)
}

// Close flushes and closes every open stream.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var firstErr error
	for _, s := range l.streams {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- stream ---

type stream struct {
	name string
	log  *logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	file    *os.File
	writer  *bufio.Writer
	offsets []int64 // offsets[i] = byte offset in file of record with sequence i+1
	nextSeq uint64

	consumersPath string
	consumers     map[string]uint64 // name -> last acknowledged sequence; delivery resumes after it (persisted)
}

func openStream(dir, name string, logger *logging.Logger) (*stream, error) {
	path := filepath.Join(dir, name+".seg")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open segment: %w", err)
	}
	s := &stream{
		name:          name,
		log:           logger,
		file:          file,
		writer:        bufio.NewWriter(file),
		consumersPath: filepath.Join(dir, name+".consumers.json"),
		consumers:     make(map[string]uint64),
	}
	s.cond = sync.NewCond(&s.mu)
	if err := s.loadExisting(); err != nil {
		file.Close()
		return nil, err
	}
	if err := s.loadConsumers(); err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

// loadExisting rebuilds the sequence->offset index by scanning the segment
// file once at startup.
func (s *stream) loadExisting() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(s.file)
	var offset int64
	for {
		header := make([]byte, 16)
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return err
		}
		seq := binary.BigEndian.Uint64(header[0:8])
		length := binary.BigEndian.Uint32(header[8:12])
		subjectLen := binary.BigEndian.Uint32(header[12:16])
		payload := make([]byte, int(length)+int(subjectLen))
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Truncated trailing write from a crash mid-append; stop here.
				break
			}
			return err
		}
		s.offsets = append(s.offsets, offset)
		offset += int64(len(header)) + int64(len(payload))
		if seq > s.nextSeq {
			s.nextSeq = seq
		}
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.writer = bufio.NewWriter(s.file)
	return nil
}

type consumerFile struct {
	Offsets map[string]uint64 `json:"offsets"`
}

func (s *stream) loadConsumers() error {
	data, err := os.ReadFile(s.consumersPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var cf consumerFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("eventlog: corrupt consumer offsets: %w", err)
	}
	for name, seq := range cf.Offsets {
		s.consumers[name] = seq
	}
	return nil
}

func (s *stream) persistConsumersLocked() error {
	cf := consumerFile{Offsets: make(map[string]uint64, len(s.consumers))}
	for name, seq := range s.consumers {
		cf.Offsets[name] = seq
	}
	data, err := json.Marshal(cf)
	if err != nil {
		return err
	}
	tmp := s.consumersPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.consumersPath)
}

// recordHeader: [seq uint64][dataLen uint32][subjectLen uint32][subject][snappy(data)]
func (s *stream) append(ctx context.Context, subject string, data []byte) (uint64, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
	compressed := snappy.Encode(nil, data)
	subjectBytes := []byte(subject)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq + 1
	header := make([]byte, 16)
	binary.BigEndian.PutUint64(header[0:8], seq)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(compressed)))
	binary.BigEndian.PutUint32(header[12:16], uint32(len(subjectBytes)))

	offset, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("eventlog: seek: %w", err)
	}
	if _, err := s.writer.Write(header); err != nil {
		return 0, fmt.Errorf("eventlog: write header: %w", err)
	}
	if _, err := s.writer.Write(subjectBytes); err != nil {
		return 0, fmt.Errorf("eventlog: write subject: %w", err)
	}
	if _, err := s.writer.Write(compressed); err != nil {
		return 0, fmt.Errorf("eventlog: write payload: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return 0, fmt.Errorf("eventlog: flush: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("eventlog: fsync: %w", err)
	}

	s.offsets = append(s.offsets, offset)
	s.nextSeq = seq
	s.cond.Broadcast()
	return seq, nil
}

// readAt decodes the record stored at the given byte offset. It reads with
// positional ReadAt calls and does not touch the offsets slice, so callers
// look the offset up under s.mu and call readAt after releasing it.
func (s *stream) readAt(offset int64) (Record, error) {
	header := make([]byte, 16)
	if _, err := s.file.ReadAt(header, offset); err != nil {
		return Record{}, err
	}
	seq := binary.BigEndian.Uint64(header[0:8])
	dataLen := binary.BigEndian.Uint32(header[8:12])
	subjectLen := binary.BigEndian.Uint32(header[12:16])
	payload := make([]byte, int(subjectLen)+int(dataLen))
	if _, err := s.file.ReadAt(payload, offset+16); err != nil {
		return Record{}, err
	}
	subject := string(payload[:subjectLen])
	compressed := payload[subjectLen:]
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Record{}, fmt.Errorf("eventlog: corrupt record at seq %d: %w", seq, err)
	}
	return Record{Sequence: seq, Subject: subject, Data: data}, nil
}

func (s *stream) openConsumer(name string, startSeq uint64) (*Consumer, error) {
	s.mu.Lock()
	next, exists := s.consumers[name]
	var persistErr error
	if !exists {
		next = startSeq
		s.consumers[name] = next
		persistErr = s.persistConsumersLocked()
	}
	s.mu.Unlock()
	if persistErr != nil {
		return nil, persistErr
	}
	return &Consumer{stream: s, name: name, nextDeliver: next}, nil
}

func (s *stream) deleteConsumer(name string) error {
	s.mu.Lock()
	delete(s.consumers, name)
	err := s.persistConsumersLocked()
	s.mu.Unlock()
	return err
}

func (s *stream) ack(name string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.consumers[name]
	if seq > current {
		s.consumers[name] = seq
	}
	return s.persistConsumersLocked()
}

func (s *stream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// --- consumer ---

// Consumer is a server-side cursor over a stream, owned exclusively by the
// reducer task that opened it.
type Consumer struct {
	stream      *stream
	name        string
	nextDeliver uint64
}

// Fetch blocks until a record at the consumer's current offset is
// available, or ctx is done. Cancellation wakes every waiter on the stream
// (a broadcast, not a targeted signal), which is harmless since each waiter
// re-checks its own readiness predicate and its own context after waking.
func (c *Consumer) Fetch(ctx context.Context) (Record, error) {
	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, c.stream.cond.Broadcast)
		defer stop()
	}

	c.stream.mu.Lock()
	for uint64(len(c.stream.offsets)) < c.nextDeliver+1 {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				c.stream.mu.Unlock()
				return Record{}, err
			}
		}
		c.stream.cond.Wait()
	}
	offset := c.stream.offsets[c.nextDeliver]
	c.stream.mu.Unlock()

	rec, err := c.stream.readAt(offset)
	if err != nil {
		return Record{}, err
	}
	c.nextDeliver++
	return rec, nil
}

// TryFetch performs a non-blocking fetch, returning ok=false when the
// consumer has caught up to the end of the backlog (used by the Recovery
// Orchestrator to detect catch-up completion, spec.md §4.6).
func (c *Consumer) TryFetch() (Record, bool, error) {
	c.stream.mu.Lock()
	if uint64(len(c.stream.offsets)) < c.nextDeliver+1 {
		c.stream.mu.Unlock()
		return Record{}, false, nil
	}
	offset := c.stream.offsets[c.nextDeliver]
	c.stream.mu.Unlock()

	rec, err := c.stream.readAt(offset)
	if err != nil {
		return Record{}, false, err
	}
	c.nextDeliver++
	return rec, true, nil
}

// Ack durably records that sequence seq has been fully processed.
func (c *Consumer) Ack(seq uint64) error {
	return c.stream.ack(c.name, seq)
}

// Pending returns how many records remain between the consumer's current
// offset and the stream head.
func (c *Consumer) Pending() uint64 {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()
	head := uint64(len(c.stream.offsets))
	if head <= c.nextDeliver {
		return 0
	}
	return head - c.nextDeliver
}
