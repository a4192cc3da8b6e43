package clientsvc

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

// zipBuilder assembles a folder transfer into a zip archive as the bytes
// arrive, one entry open at a time.
type zipBuilder struct {
	zw  *zip.Writer
	cur io.Writer
}

func newZipBuilder(out io.Writer) *zipBuilder {
	return &zipBuilder{zw: zip.NewWriter(out)}
}

// open starts the next archive entry; the previous one is finalized
// implicitly.
func (b *zipBuilder) open(name string) error {
	w, err := b.zw.Create(name)
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", name, err)
	}
	b.cur = w
	return nil
}

func (b *zipBuilder) write(p []byte) error {
	if b.cur == nil {
		return fmt.Errorf("zip: no open entry")
	}
	_, err := b.cur.Write(p)
	return err
}

func (b *zipBuilder) close() error {
	return b.zw.Close()
}
