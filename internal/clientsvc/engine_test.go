package clientsvc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/peerdrive/peerdrive/internal/common"
	"github.com/peerdrive/peerdrive/internal/hostsvc"
	"github.com/peerdrive/peerdrive/internal/logging"
	"github.com/peerdrive/peerdrive/internal/peerlink"
	"github.com/peerdrive/peerdrive/internal/protocol"
)

// startHost serves dir through a real host engine over a pipe and returns a
// client engine on the other end.
func startHost(t *testing.T, dir string, opts ...hostsvc.Option) *Engine {
	t.Helper()
	tree, err := hostsvc.NewDirTree(dir)
	require.NoError(t, err)

	hostEnd, clientEnd := peerlink.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hostsvc.New(tree, logging.NewNop(), opts...).Serve(ctx, hostEnd)
	}()

	engine := New(clientEnd, logging.NewNop())
	t.Cleanup(func() {
		engine.Close()
		cancel()
		hostEnd.Close()
		<-done
	})
	return engine
}

func writeFile(t *testing.T, dir string, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func TestListRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "docs/readme.md", []byte("# hi"))
	writeFile(t, dir, "main.go", []byte("package main"))
	engine := startHost(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := engine.List(ctx, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []protocol.Entry{
		{Name: "docs", Kind: protocol.KindDirectory},
		{Name: "main.go", Kind: protocol.KindFile},
	}, entries)

	entries, err = engine.List(ctx, []string{"docs"})
	require.NoError(t, err)
	assert.Equal(t, []protocol.Entry{{Name: "readme.md", Kind: protocol.KindFile}}, entries)
}

func TestListMissingDir(t *testing.T) {
	engine := startHost(t, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := engine.List(ctx, []string{"ghost"})
	require.Error(t, err)
}

func TestDownloadByteExact(t *testing.T) {
	content := bytes.Repeat([]byte("abcdefghij"), 100)
	dir := t.TempDir()
	writeFile(t, dir, "data.bin", content)
	engine := startHost(t, dir, hostsvc.WithChunkSize(64))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	var reports []int
	err := engine.Download(ctx, nil, "data.bin", &out, func(p int) { reports = append(reports, p) })
	require.NoError(t, err)
	assert.Equal(t, content, out.Bytes())

	require.NotEmpty(t, reports)
	assert.Equal(t, 100, reports[len(reports)-1])
	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i], reports[i-1], "progress must be monotonic")
	}
}

func TestDownloadMissingFile(t *testing.T) {
	engine := startHost(t, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := engine.Download(ctx, nil, "ghost.bin", &out, nil)
	require.Error(t, err)
	assert.Zero(t, out.Len())
}

func TestDownloadFolderZip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "proj/main.go", []byte("package main"))
	writeFile(t, dir, "proj/docs/guide.md", bytes.Repeat([]byte("guide "), 50))
	writeFile(t, dir, "proj/empty.txt", nil)
	engine := startHost(t, dir, hostsvc.WithChunkSize(16))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	var last int
	err := engine.DownloadFolder(ctx, nil, "proj", &out, func(p int) { last = p })
	require.NoError(t, err)
	assert.Equal(t, 100, last)

	zr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)

	got := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		got[f.Name] = data
	}
	assert.Equal(t, map[string][]byte{
		"main.go":       []byte("package main"),
		"docs/guide.md": bytes.Repeat([]byte("guide "), 50),
		"empty.txt":     {},
	}, got)
}

func TestDownloadEmptyFolder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "empty"), 0o755))
	engine := startHost(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	var last int
	err := engine.DownloadFolder(ctx, nil, "empty", &out, func(p int) { last = p })
	require.NoError(t, err)
	assert.Equal(t, 100, last, "empty folder still completes at 100%")

	zr, err := zip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	assert.Empty(t, zr.File)
}

func TestUploadRoundTrip(t *testing.T) {
	content := bytes.Repeat([]byte("upload me "), 20)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "inbox"), 0o755))
	engine := startHost(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var last int
	err := engine.Upload(ctx, []string{"inbox"}, "note.txt", bytes.NewReader(content), int64(len(content)), func(p int) { last = p })
	require.NoError(t, err)
	assert.Equal(t, 100, last)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "inbox", "note.txt"))
		return err == nil && bytes.Equal(data, content)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFetchPreviewFilesConcurrently(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "site/index.html", []byte("<html></html>"))
	writeFile(t, dir, "site/app.js", []byte("console.log(1)"))
	writeFile(t, dir, "site/style.css", []byte("body{}"))
	engine := startHost(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := map[string][]byte{
		"site/index.html": []byte("<html></html>"),
		"site/app.js":     []byte("console.log(1)"),
		"site/style.css":  []byte("body{}"),
	}
	var g errgroup.Group
	for path, expected := range want {
		g.Go(func() error {
			data, err := engine.FetchPreviewFile(ctx, path)
			if err != nil {
				return err
			}
			assert.Equal(t, expected, data, path)
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestFetchPreviewFileMissing(t *testing.T) {
	engine := startHost(t, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := engine.FetchPreviewFile(ctx, "site/missing.js")
	require.Error(t, err)
}

// TestCancelDownload scripts the host side by hand: announce a large file,
// send one chunk, then cooperate with the cancel. The engine must surface the
// cancellation and drop the straggler chunk that arrives afterwards.
func TestCancelDownload(t *testing.T) {
	hostEnd, clientEnd := peerlink.Pipe()
	engine := New(clientEnd, logging.NewNop())
	t.Cleanup(func() {
		engine.Close()
		hostEnd.Close()
	})

	hostDone := make(chan error, 1)
	go func() {
		hostDone <- func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			// request-file
			if _, err := hostEnd.Next(ctx); err != nil {
				return err
			}
			hdr, _ := protocol.Encode(protocol.TypeFileHeader, protocol.FileHeader{Stream: 9, Name: "big.bin", Size: 1 << 20})
			if err := hostEnd.SendText(hdr); err != nil {
				return err
			}
			if err := hostEnd.SendBinary(protocol.EncodeChunk(9, bytes.Repeat([]byte("x"), 1024))); err != nil {
				return err
			}

			// cancel-transfer
			frame, err := hostEnd.Next(ctx)
			if err != nil {
				return err
			}
			env, err := protocol.Decode(frame.Data)
			if err != nil {
				return err
			}
			if env.Type != protocol.TypeCancelTransfer {
				return fmt.Errorf("expected cancel-transfer, got %s", env.Type)
			}
			ack, _ := protocol.Encode(protocol.TypeCancelAck, protocol.CancelAck{Stream: 9})
			if err := hostEnd.SendText(ack); err != nil {
				return err
			}
			// A chunk trailing in after the ack must be ignored.
			return hostEnd.SendBinary(protocol.EncodeChunk(9, []byte("straggler")))
		}()
	}()

	ctx, cancelDownload := context.WithCancel(context.Background())
	defer cancelDownload()

	var out bytes.Buffer
	err := engine.Download(ctx, nil, "big.bin", &out, func(int) {
		if out.Len() > 0 {
			cancelDownload() // cancel as soon as the first bytes land
		}
	})
	require.ErrorIs(t, err, common.ErrTransferCanceled)
	require.NoError(t, <-hostDone)
	assert.Equal(t, 1024, out.Len(), "no bytes after the cancel")
}

// TestDownloadTruncatedStreamRejected scripts a host that closes the stream
// short of the declared size; the download must fail, not complete silently.
func TestDownloadTruncatedStreamRejected(t *testing.T) {
	hostEnd, clientEnd := peerlink.Pipe()
	engine := New(clientEnd, logging.NewNop())
	t.Cleanup(func() {
		engine.Close()
		hostEnd.Close()
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := hostEnd.Next(ctx); err != nil {
			return
		}
		hdr, _ := protocol.Encode(protocol.TypeFileHeader, protocol.FileHeader{Stream: 5, Name: "short.bin", Size: 100})
		hostEnd.SendText(hdr)
		hostEnd.SendBinary(protocol.EncodeChunk(5, bytes.Repeat([]byte("x"), 10)))
		end, _ := protocol.Encode(protocol.TypeFileEnd, protocol.FileEnd{Stream: 5, Name: "short.bin"})
		hostEnd.SendText(end)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	err := engine.Download(ctx, nil, "short.bin", &out, nil)
	require.ErrorIs(t, err, common.ErrProtocolViolation)
}

func TestUnknownStreamChunkIgnored(t *testing.T) {
	hostEnd, clientEnd := peerlink.Pipe()
	engine := New(clientEnd, logging.NewNop())
	t.Cleanup(func() {
		engine.Close()
		hostEnd.Close()
	})

	require.NoError(t, hostEnd.SendBinary(protocol.EncodeChunk(42, []byte("nobody asked"))))

	// The engine is still healthy: a list round trip works.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			frame, err := hostEnd.Next(ctx)
			if err != nil {
				return
			}
			if frame.Binary {
				continue
			}
			env, err := protocol.Decode(frame.Data)
			if err != nil || env.Type != protocol.TypeListFiles {
				continue
			}
			reply, _ := protocol.Encode(protocol.TypeFileList, protocol.FileList{Entries: []protocol.Entry{{Name: "a.txt", Kind: protocol.KindFile}}})
			hostEnd.SendText(reply)
			return
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := engine.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
