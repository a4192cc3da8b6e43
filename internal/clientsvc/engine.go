// Package clientsvc implements the client side of the transfer protocol:
// requesting listings, downloads, folder archives and preview assets from a
// host, and pushing uploads to it.
//
// A background read loop demultiplexes everything arriving on the session by
// payload stream id, so several operations (a user transfer plus any number
// of preview fetches) can be in flight at once.
package clientsvc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/peerdrive/peerdrive/internal/common"
	"github.com/peerdrive/peerdrive/internal/logging"
	"github.com/peerdrive/peerdrive/internal/peerlink"
	"github.com/peerdrive/peerdrive/internal/protocol"
)

// uploadStreamBase keeps client-chosen upload stream ids out of the range the
// host allocates for its own outgoing streams.
const uploadStreamBase = 1 << 31

// cancelAckTimeout bounds the wait for the host to acknowledge a cancel.
const cancelAckTimeout = 2 * time.Second

// ProgressFunc receives the integer percentage of a transfer, 0 to 100.
type ProgressFunc func(percent int)

// Engine drives the client half of one peer session.
type Engine struct {
	link peerlink.Session
	log  logging.Logger

	mu           sync.Mutex
	nextUpload   uint32
	lists        map[string][]chan listResult
	pendingFiles []*fileDownload   // awaiting their file-header
	pendingDirs  []*folderDownload // awaiting their folder-header
	previews     map[string][]*previewFetch
	files        map[uint32]*fileDownload
	dirs         map[uint32]*folderDownload
	fetches      map[uint32]*previewFetch
	cancelAcks   map[uint32]chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

type listResult struct {
	entries []protocol.Entry
	err     error
}

// New wraps an established session and starts its read loop. Close the engine
// (or the session) to stop it.
func New(link peerlink.Session, log logging.Logger) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	e := &Engine{
		link:       link,
		log:        log,
		nextUpload: uploadStreamBase,
		lists:      make(map[string][]chan listResult),
		previews:   make(map[string][]*previewFetch),
		files:      make(map[uint32]*fileDownload),
		dirs:       make(map[uint32]*folderDownload),
		fetches:    make(map[uint32]*previewFetch),
		cancelAcks: make(map[uint32]chan struct{}),
	}
	e.closed = make(chan struct{})
	go e.readLoop()
	return e
}

// Close tears down the session and fails every operation in flight.
func (e *Engine) Close() error {
	return e.link.Close()
}

func (e *Engine) send(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return e.link.SendText(data)
}

// List asks the host for the children of path.
func (e *Engine) List(ctx context.Context, path []string) ([]protocol.Entry, error) {
	if err := protocol.ValidatePath(path); err != nil {
		return nil, err
	}

	key := strings.Join(path, "/")
	ch := make(chan listResult, 1)
	e.mu.Lock()
	e.lists[key] = append(e.lists[key], ch)
	e.mu.Unlock()

	if err := e.send(protocol.TypeListFiles, protocol.ListFiles{Path: path}); err != nil {
		e.dropListWaiter(key, ch)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.entries, res.err
	case <-ctx.Done():
		e.dropListWaiter(key, ch)
		return nil, ctx.Err()
	case <-e.closed:
		return nil, peerlink.ErrSessionClosed
	}
}

func (e *Engine) dropListWaiter(key string, ch chan listResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	waiters := e.lists[key]
	for i, w := range waiters {
		if w == ch {
			e.lists[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(e.lists[key]) == 0 {
		delete(e.lists, key)
	}
}

// fileDownload is one user download in flight.
type fileDownload struct {
	name     string
	w        io.Writer
	total    int64
	received int64
	progress ProgressFunc
	stream   uint32
	done     chan error
}

// Download fetches one file into w, reporting progress as it arrives.
func (e *Engine) Download(ctx context.Context, path []string, name string, w io.Writer, progress ProgressFunc) error {
	if err := protocol.ValidatePath(append(append([]string{}, path...), name)); err != nil {
		return err
	}

	d := &fileDownload{name: name, w: w, progress: progress, done: make(chan error, 1)}
	e.mu.Lock()
	e.pendingFiles = append(e.pendingFiles, d)
	e.mu.Unlock()

	if err := e.send(protocol.TypeRequestFile, protocol.RequestFile{FileName: name, Path: path}); err != nil {
		e.dropPendingFile(d)
		return err
	}
	return e.awaitFile(ctx, d)
}

func (e *Engine) dropPendingFile(d *fileDownload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pendingFiles {
		if p == d {
			e.pendingFiles = append(e.pendingFiles[:i], e.pendingFiles[i+1:]...)
			return
		}
	}
	if d.stream != 0 {
		delete(e.files, d.stream)
	}
}

func (e *Engine) awaitFile(ctx context.Context, d *fileDownload) error {
	select {
	case err := <-d.done:
		return err
	case <-ctx.Done():
		e.dropPendingFile(d)
		if d.stream != 0 {
			e.cancelStream(d.stream)
			return common.ErrTransferCanceled
		}
		return ctx.Err()
	case <-e.closed:
		return peerlink.ErrSessionClosed
	}
}

// cancelStream tells the host to stop a stream and waits briefly for the ack.
func (e *Engine) cancelStream(stream uint32) {
	ack := make(chan struct{})
	e.mu.Lock()
	e.cancelAcks[stream] = ack
	e.mu.Unlock()

	if err := e.send(protocol.TypeCancelTransfer, protocol.CancelTransfer{Stream: stream}); err != nil {
		e.log.Debug(context.Background(), "cancel-transfer send failed", "stream", stream, "error", err)
	}

	select {
	case <-ack:
	case <-time.After(cancelAckTimeout):
		e.log.Warn(context.Background(), "cancel unacknowledged", "stream", stream)
	case <-e.closed:
	}

	e.mu.Lock()
	delete(e.cancelAcks, stream)
	e.mu.Unlock()
}

// folderDownload is one folder archive in flight. Bytes are reassembled
// directly into a zip written to out.
type folderDownload struct {
	name     string
	out      io.Writer
	zw       *zipBuilder
	total    int64
	received int64
	progress ProgressFunc
	stream   uint32
	// remaining counts the bytes still owed to the entry opened last.
	remaining int64
	curPath   string
	done      chan error
}

// DownloadFolder fetches a whole folder and writes it to out as a zip archive
// whose entry names are paths relative to the folder root.
func (e *Engine) DownloadFolder(ctx context.Context, path []string, folderName string, out io.Writer, progress ProgressFunc) error {
	if err := protocol.ValidatePath(append(append([]string{}, path...), folderName)); err != nil {
		return err
	}

	d := &folderDownload{name: folderName, out: out, progress: progress, done: make(chan error, 1)}
	e.mu.Lock()
	e.pendingDirs = append(e.pendingDirs, d)
	e.mu.Unlock()

	if err := e.send(protocol.TypeRequestFolder, protocol.RequestFolder{FolderName: folderName, Path: path}); err != nil {
		e.dropPendingDir(d)
		return err
	}

	select {
	case err := <-d.done:
		return err
	case <-ctx.Done():
		e.dropPendingDir(d)
		if d.stream != 0 {
			e.cancelStream(d.stream)
			return common.ErrTransferCanceled
		}
		return ctx.Err()
	case <-e.closed:
		return peerlink.ErrSessionClosed
	}
}

func (e *Engine) dropPendingDir(d *folderDownload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, p := range e.pendingDirs {
		if p == d {
			e.pendingDirs = append(e.pendingDirs[:i], e.pendingDirs[i+1:]...)
			return
		}
	}
	if d.stream != 0 {
		delete(e.dirs, d.stream)
	}
}

// Upload pushes size bytes from r to the host as path/name. Size drives
// progress reporting only; the host trusts the chunk stream.
func (e *Engine) Upload(ctx context.Context, path []string, name string, r io.Reader, size int64, progress ProgressFunc) error {
	if err := protocol.ValidatePath(append(append([]string{}, path...), name)); err != nil {
		return err
	}

	e.mu.Lock()
	e.nextUpload++
	stream := e.nextUpload
	e.mu.Unlock()

	if err := e.send(protocol.TypeUploadHeader, protocol.UploadHeader{Stream: stream, Name: name, Path: path}); err != nil {
		return err
	}

	buf := make([]byte, protocol.ChunkSize)
	var sent int64
	for {
		if ctx.Err() != nil {
			e.cancelStream(stream)
			return common.ErrTransferCanceled
		}
		n, err := r.Read(buf)
		if n > 0 {
			if serr := e.link.SendBinary(protocol.EncodeChunk(stream, buf[:n])); serr != nil {
				return serr
			}
			sent += int64(n)
			if progress != nil {
				progress(protocol.Progress(sent, size))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			e.cancelStream(stream)
			return err
		}
	}

	if err := e.send(protocol.TypeUploadEnd, protocol.UploadEnd{Stream: stream, Name: name}); err != nil {
		return err
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

// previewFetch is one webreview asset request in flight.
type previewFetch struct {
	path   string
	buf    bytes.Buffer
	stream uint32
	done   chan error
}

// FetchPreviewFile retrieves one hosted asset by its slash-joined path.
// Fetches run concurrently and do not occupy the user-transfer slot.
func (e *Engine) FetchPreviewFile(ctx context.Context, path string) ([]byte, error) {
	if _, err := protocol.SplitPreviewPath(path); err != nil {
		return nil, err
	}

	f := &previewFetch{path: path, done: make(chan error, 1)}
	e.mu.Lock()
	e.previews[path] = append(e.previews[path], f)
	e.mu.Unlock()

	if err := e.send(protocol.TypeGetWebPreviewFile, protocol.GetWebPreviewFile{Path: path}); err != nil {
		e.dropPreview(f)
		return nil, err
	}

	select {
	case err := <-f.done:
		if err != nil {
			return nil, err
		}
		return f.buf.Bytes(), nil
	case <-ctx.Done():
		e.dropPreview(f)
		return nil, ctx.Err()
	case <-e.closed:
		return nil, peerlink.ErrSessionClosed
	}
}

func (e *Engine) dropPreview(f *previewFetch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	waiters := e.previews[f.path]
	for i, w := range waiters {
		if w == f {
			e.previews[f.path] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(e.previews[f.path]) == 0 {
		delete(e.previews, f.path)
	}
	if f.stream != 0 {
		delete(e.fetches, f.stream)
	}
}

// readLoop owns all demux state transitions. It runs until the session dies.
func (e *Engine) readLoop() {
	ctx := context.Background()
	for {
		frame, err := e.link.Next(ctx)
		if err != nil {
			e.shutdown()
			return
		}
		if frame.Binary {
			e.handleChunk(ctx, frame.Data)
			continue
		}
		env, err := protocol.Decode(frame.Data)
		if err != nil {
			e.log.Warn(ctx, "dropping malformed control frame", "error", err)
			continue
		}
		e.handle(ctx, env)
	}
}

// shutdown fails everything in flight once the session is gone.
func (e *Engine) shutdown() {
	e.closeOnce.Do(func() { close(e.closed) })
}

func (e *Engine) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeFileList:
		e.handleFileList(ctx, env)
	case protocol.TypeFileHeader:
		e.handleFileHeader(ctx, env)
	case protocol.TypeFileEnd:
		e.handleFileEnd(ctx, env)
	case protocol.TypeFolderHeader:
		e.handleFolderHeader(ctx, env)
	case protocol.TypeFolderFileHeader:
		e.handleFolderFileHeader(ctx, env)
	case protocol.TypeFolderEnd:
		e.handleFolderEnd(ctx, env)
	case protocol.TypeFileError:
		e.handleFileError(ctx, env)
	case protocol.TypeCancelAck:
		e.handleCancelAck(ctx, env)
	default:
		e.log.Warn(ctx, "unexpected control message", "type", env.Type)
	}
}

func (e *Engine) handleFileList(ctx context.Context, env protocol.Envelope) {
	var list protocol.FileList
	if err := env.Unmarshal(&list); err != nil {
		e.log.Warn(ctx, "bad file-list payload", "error", err)
		return
	}

	key := strings.Join(list.Path, "/")
	e.mu.Lock()
	waiters := e.lists[key]
	if len(waiters) > 0 {
		e.lists[key] = waiters[1:]
		if len(e.lists[key]) == 0 {
			delete(e.lists, key)
		}
	}
	e.mu.Unlock()

	if len(waiters) == 0 {
		e.log.Debug(ctx, "unsolicited file-list", "path", key)
		return
	}
	waiters[0] <- listResult{entries: list.Entries}
}

// handleFileHeader binds an announced stream to whoever asked for it: a
// preview fetch matched by path, otherwise the pending user download matched
// by name.
func (e *Engine) handleFileHeader(ctx context.Context, env protocol.Envelope) {
	var hdr protocol.FileHeader
	if err := env.Unmarshal(&hdr); err != nil {
		e.log.Warn(ctx, "bad file-header payload", "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if waiters := e.previews[hdr.Name]; len(waiters) > 0 {
		f := waiters[0]
		e.previews[hdr.Name] = waiters[1:]
		if len(e.previews[hdr.Name]) == 0 {
			delete(e.previews, hdr.Name)
		}
		f.stream = hdr.Stream
		e.fetches[hdr.Stream] = f
		return
	}

	for i, d := range e.pendingFiles {
		if d.name != hdr.Name {
			continue
		}
		e.pendingFiles = append(e.pendingFiles[:i], e.pendingFiles[i+1:]...)
		d.stream = hdr.Stream
		d.total = hdr.Size
		e.files[hdr.Stream] = d
		if d.progress != nil {
			d.progress(protocol.Progress(0, hdr.Size))
		}
		return
	}

	e.log.Debug(ctx, "unsolicited file-header", "name", hdr.Name, "stream", hdr.Stream)
}

func (e *Engine) handleChunk(ctx context.Context, data []byte) {
	stream, payload, err := protocol.DecodeChunk(data)
	if err != nil {
		e.log.Warn(ctx, "dropping malformed binary frame", "error", err)
		return
	}

	e.mu.Lock()
	if d, ok := e.files[stream]; ok {
		e.mu.Unlock()
		e.fileChunk(ctx, d, payload)
		return
	}
	if d, ok := e.dirs[stream]; ok {
		e.mu.Unlock()
		e.folderChunk(ctx, d, payload)
		return
	}
	if f, ok := e.fetches[stream]; ok {
		e.mu.Unlock()
		f.buf.Write(payload)
		return
	}
	e.mu.Unlock()

	// Tolerated: chunks may trail in after a cancel.
	e.log.Debug(ctx, "dropping chunk for unknown stream", "stream", stream, "bytes", len(payload))
}

func (e *Engine) fileChunk(ctx context.Context, d *fileDownload, payload []byte) {
	if _, err := d.w.Write(payload); err != nil {
		e.failStream(d.stream, fmt.Errorf("write download: %w", err))
		return
	}
	d.received += int64(len(payload))
	if d.progress != nil {
		d.progress(protocol.Progress(d.received, d.total))
	}
}

func (e *Engine) handleFileEnd(ctx context.Context, env protocol.Envelope) {
	var end protocol.FileEnd
	if err := env.Unmarshal(&end); err != nil {
		e.log.Warn(ctx, "bad file-end payload", "error", err)
		return
	}

	e.mu.Lock()
	if d, ok := e.files[end.Stream]; ok {
		delete(e.files, end.Stream)
		e.mu.Unlock()
		// The stream must deliver exactly what the header declared.
		if d.received != d.total {
			d.done <- fmt.Errorf("%w: %s ended at %d of %d bytes", common.ErrProtocolViolation, d.name, d.received, d.total)
			return
		}
		if d.progress != nil {
			d.progress(100)
		}
		d.done <- nil
		return
	}
	if f, ok := e.fetches[end.Stream]; ok {
		delete(e.fetches, end.Stream)
		e.mu.Unlock()
		f.done <- nil
		return
	}
	e.mu.Unlock()
	e.log.Debug(ctx, "file-end for unknown stream", "stream", end.Stream)
}

func (e *Engine) handleFolderHeader(ctx context.Context, env protocol.Envelope) {
	var hdr protocol.FolderHeader
	if err := env.Unmarshal(&hdr); err != nil {
		e.log.Warn(ctx, "bad folder-header payload", "error", err)
		return
	}

	e.mu.Lock()
	var d *folderDownload
	for i, p := range e.pendingDirs {
		if p.name == hdr.FolderName {
			d = p
			e.pendingDirs = append(e.pendingDirs[:i], e.pendingDirs[i+1:]...)
			break
		}
	}
	if d == nil {
		e.mu.Unlock()
		e.log.Debug(ctx, "unsolicited folder-header", "folder", hdr.FolderName)
		return
	}
	d.stream = hdr.Stream
	d.total = hdr.TotalSize
	d.zw = newZipBuilder(d.out)
	e.dirs[hdr.Stream] = d
	e.mu.Unlock()

	if d.progress != nil {
		d.progress(protocol.Progress(0, hdr.TotalSize))
	}
}

func (e *Engine) handleFolderFileHeader(ctx context.Context, env protocol.Envelope) {
	var hdr protocol.FolderFileHeader
	if err := env.Unmarshal(&hdr); err != nil {
		e.log.Warn(ctx, "bad folder-file-header payload", "error", err)
		return
	}

	e.mu.Lock()
	d, ok := e.dirs[hdr.Stream]
	e.mu.Unlock()
	if !ok {
		e.log.Debug(ctx, "folder-file-header for unknown stream", "stream", hdr.Stream)
		return
	}

	if d.remaining > 0 {
		e.failStream(hdr.Stream, fmt.Errorf("%w: entry %s short by %d bytes", common.ErrProtocolViolation, d.curPath, d.remaining))
		return
	}
	d.curPath = strings.Join(hdr.Path, "/")
	d.remaining = hdr.Size
	if err := d.zw.open(d.curPath); err != nil {
		e.failStream(hdr.Stream, err)
	}
}

func (e *Engine) folderChunk(ctx context.Context, d *folderDownload, payload []byte) {
	if int64(len(payload)) > d.remaining {
		e.failStream(d.stream, fmt.Errorf("%w: entry %s overran its declared size", common.ErrProtocolViolation, d.curPath))
		return
	}
	if err := d.zw.write(payload); err != nil {
		e.failStream(d.stream, err)
		return
	}
	d.remaining -= int64(len(payload))
	d.received += int64(len(payload))
	if d.progress != nil {
		d.progress(protocol.Progress(d.received, d.total))
	}
}

func (e *Engine) handleFolderEnd(ctx context.Context, env protocol.Envelope) {
	var end protocol.FolderEnd
	if err := env.Unmarshal(&end); err != nil {
		e.log.Warn(ctx, "bad folder-end payload", "error", err)
		return
	}

	e.mu.Lock()
	d, ok := e.dirs[end.Stream]
	delete(e.dirs, end.Stream)
	e.mu.Unlock()
	if !ok {
		e.log.Debug(ctx, "folder-end for unknown stream", "stream", end.Stream)
		return
	}

	if d.remaining > 0 {
		d.done <- fmt.Errorf("%w: entry %s short by %d bytes", common.ErrProtocolViolation, d.curPath, d.remaining)
		return
	}
	if err := d.zw.close(); err != nil {
		d.done <- err
		return
	}
	if d.progress != nil {
		d.progress(100)
	}
	d.done <- nil
}

// failStream aborts the stream owner with err and forgets the stream, so any
// remaining frames for it are dropped.
func (e *Engine) failStream(stream uint32, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.files[stream]; ok {
		delete(e.files, stream)
		d.done <- err
		return
	}
	if d, ok := e.dirs[stream]; ok {
		delete(e.dirs, stream)
		d.done <- err
		return
	}
	if f, ok := e.fetches[stream]; ok {
		delete(e.fetches, stream)
		f.done <- err
		return
	}
}

// handleFileError routes a host-side failure to its operation: by stream for
// an open transfer, by path for one still waiting to start.
func (e *Engine) handleFileError(ctx context.Context, env protocol.Envelope) {
	var fe protocol.FileError
	if err := env.Unmarshal(&fe); err != nil {
		e.log.Warn(ctx, "bad file-error payload", "error", err)
		return
	}
	cause := fmt.Errorf("host: %s", fe.Message)

	if fe.Stream != 0 {
		e.failStream(fe.Stream, cause)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if waiters := e.previews[fe.Path]; len(waiters) > 0 {
		f := waiters[0]
		e.previews[fe.Path] = waiters[1:]
		if len(e.previews[fe.Path]) == 0 {
			delete(e.previews, fe.Path)
		}
		f.done <- cause
		return
	}
	for i, d := range e.pendingFiles {
		if d.name == fe.Path {
			e.pendingFiles = append(e.pendingFiles[:i], e.pendingFiles[i+1:]...)
			d.done <- cause
			return
		}
	}
	for i, d := range e.pendingDirs {
		if d.name == fe.Path {
			e.pendingDirs = append(e.pendingDirs[:i], e.pendingDirs[i+1:]...)
			d.done <- cause
			return
		}
	}
	if waiters := e.lists[fe.Path]; len(waiters) > 0 {
		e.lists[fe.Path] = waiters[1:]
		if len(e.lists[fe.Path]) == 0 {
			delete(e.lists, fe.Path)
		}
		waiters[0] <- listResult{err: cause}
		return
	}
	e.log.Debug(ctx, "unmatched file-error", "path", fe.Path, "message", fe.Message)
}

func (e *Engine) handleCancelAck(ctx context.Context, env protocol.Envelope) {
	var ack protocol.CancelAck
	if err := env.Unmarshal(&ack); err != nil {
		e.log.Warn(ctx, "bad cancel-ack payload", "error", err)
		return
	}

	e.mu.Lock()
	ch, ok := e.cancelAcks[ack.Stream]
	delete(e.cancelAcks, ack.Stream)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
}
