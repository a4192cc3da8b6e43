package hostsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/peerdrive/peerdrive/internal/common"
	"github.com/peerdrive/peerdrive/internal/logging"
	"github.com/peerdrive/peerdrive/internal/peerlink"
	"github.com/peerdrive/peerdrive/internal/protocol"
)

// DefaultIdleTimeout bounds how long an open payload stream may sit without
// traffic before the host aborts it.
const DefaultIdleTimeout = 30 * time.Second

// Engine serves the hosted tree to peers. One Engine handles any number of
// sessions; per-session state lives in the session struct.
type Engine struct {
	tree        Tree
	log         logging.Logger
	chunkSize   int
	idleTimeout time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithChunkSize overrides the payload chunk size. Tests use small chunks to
// force multi-chunk transfers with little data.
func WithChunkSize(n int) Option {
	return func(e *Engine) { e.chunkSize = n }
}

// WithIdleTimeout overrides the per-stream idle timeout. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Engine) { e.idleTimeout = d }
}

// New builds an Engine serving tree.
func New(tree Tree, log logging.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	e := &Engine{
		tree:        tree,
		log:         log,
		chunkSize:   protocol.ChunkSize,
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Serve runs the transfer protocol for one peer session until the session
// closes or ctx is canceled. It is called once per accepted session, usually
// in its own goroutine.
func (e *Engine) Serve(ctx context.Context, link peerlink.Session) error {
	s := &session{
		engine:  e,
		link:    link,
		log:     e.log,
		uploads: make(map[uint32]*upload),
		cancels: make(map[uint32]context.CancelFunc),
	}
	return s.run(ctx)
}

// upload is one open client-to-host write stream.
type upload struct {
	name       string
	path       []string
	w          io.WriteCloser
	lastActive time.Time
}

// session holds the per-peer protocol state.
type session struct {
	engine *Engine
	link   peerlink.Session
	log    logging.Logger

	mu         sync.Mutex
	nextStream uint32
	uploads    map[uint32]*upload
	cancels    map[uint32]context.CancelFunc
	busy       bool
	streams    sync.WaitGroup
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.streams.Wait()
	defer s.abortAll()
	defer cancel()

	if s.engine.idleTimeout > 0 {
		go s.sweepUploads(ctx)
	}

	for {
		frame, err := s.link.Next(ctx)
		if err != nil {
			if errors.Is(err, peerlink.ErrSessionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if frame.Binary {
			s.handleChunk(ctx, frame.Data)
			continue
		}
		env, err := protocol.Decode(frame.Data)
		if err != nil {
			s.log.Warn(ctx, "dropping malformed control frame", "error", err)
			continue
		}
		s.handle(ctx, env)
	}
}

func (s *session) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeListFiles:
		s.handleList(ctx, env)
	case protocol.TypeRequestFile:
		s.handleRequestFile(ctx, env)
	case protocol.TypeRequestFolder:
		s.handleRequestFolder(ctx, env)
	case protocol.TypeUploadHeader:
		s.handleUploadHeader(ctx, env)
	case protocol.TypeUploadEnd:
		s.handleUploadEnd(ctx, env)
	case protocol.TypeCancelTransfer:
		s.handleCancel(ctx, env)
	case protocol.TypeGetWebPreviewFile:
		s.handlePreviewFile(ctx, env)
	default:
		s.log.Warn(ctx, "unexpected control message", "type", env.Type)
	}
}

// newStream allocates the next host-chosen payload stream id.
func (s *session) newStream() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStream++
	return s.nextStream
}

func (s *session) send(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return s.link.SendText(data)
}

// sendFileError reports a failed operation or stream to the peer. Best effort:
// if the session is going down there is nobody left to tell.
func (s *session) sendFileError(ctx context.Context, stream uint32, p string, cause error) {
	err := s.send(protocol.TypeFileError, protocol.FileError{
		Stream:  stream,
		Path:    p,
		Message: cause.Error(),
	})
	if err != nil {
		s.log.Debug(ctx, "file-error not delivered", "path", p, "error", err)
	}
}

func (s *session) handleList(ctx context.Context, env protocol.Envelope) {
	var req protocol.ListFiles
	if err := env.Unmarshal(&req); err != nil {
		s.log.Warn(ctx, "bad list-files payload", "error", err)
		return
	}

	entries, err := s.engine.tree.List(req.Path)
	if err != nil {
		s.log.Warn(ctx, "listing failed", "path", req.Path, "error", err)
		s.sendFileError(ctx, 0, path.Join(req.Path...), err)
		return
	}

	rows := make([]protocol.Entry, 0, len(entries))
	for _, e := range entries {
		kind := protocol.KindFile
		if e.Dir {
			kind = protocol.KindDirectory
		}
		rows = append(rows, protocol.Entry{Name: e.Name, Kind: kind})
	}
	if err := s.send(protocol.TypeFileList, protocol.FileList{Path: req.Path, Entries: rows}); err != nil {
		s.log.Warn(ctx, "file-list reply failed", "error", err)
	}
}

// acquireBusy claims the single user-transfer slot.
func (s *session) acquireBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *session) releaseBusy() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// startStream registers a cancelable outgoing stream and returns its context.
func (s *session) startStream(ctx context.Context, stream uint32) (context.Context, context.CancelFunc) {
	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[stream] = cancel
	s.mu.Unlock()
	return streamCtx, cancel
}

func (s *session) finishStream(stream uint32) {
	s.mu.Lock()
	delete(s.cancels, stream)
	s.mu.Unlock()
}

func (s *session) handleRequestFile(ctx context.Context, env protocol.Envelope) {
	var req protocol.RequestFile
	if err := env.Unmarshal(&req); err != nil {
		s.log.Warn(ctx, "bad request-file payload", "error", err)
		return
	}

	if !s.acquireBusy() {
		s.sendFileError(ctx, 0, req.FileName, common.ErrSessionBusy)
		return
	}

	filePath := append(append([]string{}, req.Path...), req.FileName)
	rc, size, err := s.engine.tree.Open(filePath)
	if err != nil {
		s.releaseBusy()
		s.log.Warn(ctx, "request-file open failed", "file", req.FileName, "error", err)
		s.sendFileError(ctx, 0, req.FileName, err)
		return
	}

	stream := s.newStream()
	streamCtx, cancel := s.startStream(ctx, stream)
	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		defer s.releaseBusy()
		defer s.finishStream(stream)
		defer cancel()
		defer rc.Close()

		if err := s.send(protocol.TypeFileHeader, protocol.FileHeader{Stream: stream, Name: req.FileName, Size: size}); err != nil {
			s.log.Warn(ctx, "file-header send failed", "file", req.FileName, "error", err)
			return
		}
		err := s.streamBytes(streamCtx, stream, rc)
		switch {
		case errors.Is(err, common.ErrTransferCanceled):
			s.log.Info(ctx, "file transfer canceled", "file", req.FileName, "stream", stream)
		case err != nil:
			s.log.Error(ctx, "file transfer failed", "file", req.FileName, "error", err)
			s.sendFileError(ctx, stream, req.FileName, err)
		default:
			if err := s.send(protocol.TypeFileEnd, protocol.FileEnd{Stream: stream, Name: req.FileName}); err != nil {
				s.log.Warn(ctx, "file-end send failed", "file", req.FileName, "error", err)
			}
		}
	}()
}

// streamBytes pumps rc to the peer in fixed-size chunks tagged with stream.
func (s *session) streamBytes(ctx context.Context, stream uint32, rc io.Reader) error {
	buf := make([]byte, s.engine.chunkSize)
	for {
		if ctx.Err() != nil {
			return common.ErrTransferCanceled
		}
		n, err := rc.Read(buf)
		if n > 0 {
			if serr := s.link.SendBinary(protocol.EncodeChunk(stream, buf[:n])); serr != nil {
				return serr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *session) handleRequestFolder(ctx context.Context, env protocol.Envelope) {
	var req protocol.RequestFolder
	if err := env.Unmarshal(&req); err != nil {
		s.log.Warn(ctx, "bad request-folder payload", "error", err)
		return
	}

	if !s.acquireBusy() {
		s.sendFileError(ctx, 0, req.FolderName, common.ErrSessionBusy)
		return
	}

	folderPath := append(append([]string{}, req.Path...), req.FolderName)
	files, total, err := s.scanFolder(ctx, folderPath)
	if err != nil {
		s.releaseBusy()
		s.log.Warn(ctx, "request-folder scan failed", "folder", req.FolderName, "error", err)
		s.sendFileError(ctx, 0, req.FolderName, err)
		return
	}

	stream := s.newStream()
	streamCtx, cancel := s.startStream(ctx, stream)
	s.streams.Add(1)
	go func() {
		defer s.streams.Done()
		defer s.releaseBusy()
		defer s.finishStream(stream)
		defer cancel()

		err := s.streamFolder(streamCtx, stream, req.FolderName, folderPath, files, total)
		switch {
		case errors.Is(err, common.ErrTransferCanceled):
			s.log.Info(ctx, "folder transfer canceled", "folder", req.FolderName, "stream", stream)
		case err != nil:
			s.log.Error(ctx, "folder transfer failed", "folder", req.FolderName, "error", err)
			s.sendFileError(ctx, stream, req.FolderName, err)
		}
	}()
}

// scanFolder walks the folder depth-first and builds the complete transfer
// descriptor before any byte is sent. Entries that cannot be listed are
// skipped with a warning so one unreadable subtree does not sink the rest.
func (s *session) scanFolder(ctx context.Context, folderPath []string) ([]protocol.FolderFile, int64, error) {
	entries, err := s.engine.tree.List(folderPath)
	if err != nil {
		return nil, 0, err
	}

	var files []protocol.FolderFile
	var total int64
	var walk func(rel []string, entries []Entry)
	walk = func(rel []string, entries []Entry) {
		for _, e := range entries {
			childRel := append(append([]string{}, rel...), e.Name)
			if !e.Dir {
				files = append(files, protocol.FolderFile{Path: childRel, Size: e.Size})
				total += e.Size
				continue
			}
			children, err := s.engine.tree.List(append(append([]string{}, folderPath...), childRel...))
			if err != nil {
				s.log.Warn(ctx, "skipping unreadable folder entry", "path", childRel, "error", err)
				continue
			}
			walk(childRel, children)
		}
	}
	walk(nil, entries)
	return files, total, nil
}

// streamFolder sends the folder descriptor, then every file in descriptor
// order, then the end marker. The descriptor is immutable once sent: a file
// that fails to open afterwards aborts the whole transfer.
func (s *session) streamFolder(ctx context.Context, stream uint32, folderName string, folderPath []string, files []protocol.FolderFile, total int64) error {
	header := protocol.FolderHeader{Stream: stream, FolderName: folderName, TotalSize: total, Files: files}
	if err := s.send(protocol.TypeFolderHeader, header); err != nil {
		return err
	}

	for _, f := range files {
		if ctx.Err() != nil {
			return common.ErrTransferCanceled
		}
		if err := s.send(protocol.TypeFolderFileHeader, protocol.FolderFileHeader{Stream: stream, Path: f.Path, Size: f.Size}); err != nil {
			return err
		}
		rc, _, err := s.engine.tree.Open(append(append([]string{}, folderPath...), f.Path...))
		if err != nil {
			return fmt.Errorf("open %s: %w", strings.Join(f.Path, "/"), err)
		}
		err = s.streamBytes(ctx, stream, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}

	return s.send(protocol.TypeFolderEnd, protocol.FolderEnd{Stream: stream, FolderName: folderName})
}

func (s *session) handleUploadHeader(ctx context.Context, env protocol.Envelope) {
	var hdr protocol.UploadHeader
	if err := env.Unmarshal(&hdr); err != nil {
		s.log.Warn(ctx, "bad upload-header payload", "error", err)
		return
	}

	filePath := append(append([]string{}, hdr.Path...), hdr.Name)
	w, err := s.engine.tree.Create(filePath)
	if err != nil {
		s.log.Warn(ctx, "upload target rejected", "file", hdr.Name, "error", err)
		s.sendFileError(ctx, hdr.Stream, hdr.Name, err)
		return
	}

	s.mu.Lock()
	if old, ok := s.uploads[hdr.Stream]; ok {
		// Stream id reuse while the previous upload is still open is a
		// protocol violation; drop the stale one.
		old.w.Close()
		s.log.Warn(ctx, "upload stream id reused", "stream", hdr.Stream, "file", old.name)
	}
	s.uploads[hdr.Stream] = &upload{name: hdr.Name, path: filePath, w: w, lastActive: time.Now()}
	s.mu.Unlock()

	s.log.Info(ctx, "upload started", "file", hdr.Name, "stream", hdr.Stream)
}

func (s *session) handleChunk(ctx context.Context, data []byte) {
	stream, payload, err := protocol.DecodeChunk(data)
	if err != nil {
		s.log.Warn(ctx, "dropping malformed binary frame", "error", err)
		return
	}

	s.mu.Lock()
	up, ok := s.uploads[stream]
	if ok {
		up.lastActive = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		// Tolerated: chunks may trail in after a cancel or abort.
		s.log.Debug(ctx, "dropping chunk for unknown stream", "stream", stream, "bytes", len(payload))
		return
	}

	if _, err := up.w.Write(payload); err != nil {
		s.log.Error(ctx, "upload write failed", "file", up.name, "error", err)
		s.abortUpload(ctx, stream, up)
		s.sendFileError(ctx, stream, up.name, err)
	}
}

func (s *session) handleUploadEnd(ctx context.Context, env protocol.Envelope) {
	var end protocol.UploadEnd
	if err := env.Unmarshal(&end); err != nil {
		s.log.Warn(ctx, "bad upload-end payload", "error", err)
		return
	}

	s.mu.Lock()
	up, ok := s.uploads[end.Stream]
	delete(s.uploads, end.Stream)
	s.mu.Unlock()
	if !ok {
		s.log.Warn(ctx, "upload-end for unknown stream", "stream", end.Stream)
		return
	}

	if err := up.w.Close(); err != nil {
		s.log.Error(ctx, "upload close failed", "file", up.name, "error", err)
		s.sendFileError(ctx, end.Stream, up.name, err)
		return
	}
	s.log.Info(ctx, "upload complete", "file", up.name, "stream", end.Stream)
}

// abortUpload discards a half-written upload: the partial file is removed so
// an interrupted transfer never masquerades as a complete one.
func (s *session) abortUpload(ctx context.Context, stream uint32, up *upload) {
	s.mu.Lock()
	delete(s.uploads, stream)
	s.mu.Unlock()

	up.w.Close()
	if err := s.engine.tree.Remove(up.path); err != nil {
		s.log.Warn(ctx, "partial upload not removed", "file", up.name, "error", err)
	}
}

func (s *session) handleCancel(ctx context.Context, env protocol.Envelope) {
	var req protocol.CancelTransfer
	if err := env.Unmarshal(&req); err != nil {
		s.log.Warn(ctx, "bad cancel-transfer payload", "error", err)
		return
	}

	s.mu.Lock()
	cancel, outgoing := s.cancels[req.Stream]
	up, incoming := s.uploads[req.Stream]
	s.mu.Unlock()

	switch {
	case outgoing:
		cancel()
	case incoming:
		s.abortUpload(ctx, req.Stream, up)
		s.log.Info(ctx, "upload canceled", "file", up.name, "stream", req.Stream)
	default:
		s.log.Debug(ctx, "cancel for unknown stream", "stream", req.Stream)
	}

	if err := s.send(protocol.TypeCancelAck, protocol.CancelAck{Stream: req.Stream}); err != nil {
		s.log.Warn(ctx, "cancel-ack send failed", "stream", req.Stream, "error", err)
	}
}

// handlePreviewFile serves one webreview asset. Preview fetches bypass the
// busy slot and run concurrently, one goroutine per request, each on its own
// stream.
func (s *session) handlePreviewFile(ctx context.Context, env protocol.Envelope) {
	var req protocol.GetWebPreviewFile
	if err := env.Unmarshal(&req); err != nil {
		s.log.Warn(ctx, "bad get-webreview-file payload", "error", err)
		return
	}

	s.streams.Add(1)
	go func() {
		defer s.streams.Done()

		segs, err := protocol.SplitPreviewPath(req.Path)
		if err != nil {
			s.sendFileError(ctx, 0, req.Path, err)
			return
		}
		rc, size, err := s.engine.tree.Open(segs)
		if err != nil {
			s.log.Debug(ctx, "preview file not served", "path", req.Path, "error", err)
			s.sendFileError(ctx, 0, req.Path, err)
			return
		}
		defer rc.Close()

		stream := s.newStream()
		if err := s.send(protocol.TypeFileHeader, protocol.FileHeader{Stream: stream, Name: req.Path, Size: size}); err != nil {
			return
		}
		if err := s.streamBytes(ctx, stream, rc); err != nil {
			s.sendFileError(ctx, stream, req.Path, err)
			return
		}
		if err := s.send(protocol.TypeFileEnd, protocol.FileEnd{Stream: stream, Name: req.Path}); err != nil {
			s.log.Debug(ctx, "preview file-end send failed", "path", req.Path, "error", err)
		}
	}()
}

// sweepUploads aborts uploads whose stream has gone quiet for longer than the
// idle timeout.
func (s *session) sweepUploads(ctx context.Context) {
	interval := s.engine.idleTimeout / 2
	if interval <= 0 {
		interval = s.engine.idleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-s.engine.idleTimeout)
		s.mu.Lock()
		var stale []uint32
		for stream, up := range s.uploads {
			if up.lastActive.Before(cutoff) {
				stale = append(stale, stream)
			}
		}
		s.mu.Unlock()

		for _, stream := range stale {
			s.mu.Lock()
			up, ok := s.uploads[stream]
			s.mu.Unlock()
			if !ok {
				continue
			}
			s.log.Warn(ctx, "upload timed out", "file", up.name, "stream", stream)
			s.abortUpload(ctx, stream, up)
			s.sendFileError(ctx, stream, up.name, common.ErrStreamTimeout)
		}
	}
}

// abortAll tears down any state left when the session ends: cancel outgoing
// streams and discard half-written uploads.
func (s *session) abortAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	uploads := make(map[uint32]*upload, len(s.uploads))
	for stream, up := range s.uploads {
		uploads[stream] = up
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for stream, up := range uploads {
		s.abortUpload(context.Background(), stream, up)
	}
}
