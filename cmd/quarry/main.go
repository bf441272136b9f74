// Command quarry inspects and maintains quarry database files: header and
// page dumps, integrity scans, and compressed backups.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/ulikunitz/xz"

	"github.com/quarrydb/quarry/internal/logging"
	"github.com/quarrydb/quarry/pager"
	"github.com/quarrydb/quarry/vfs"
)

const version = "0.1.0"

// CLI defines the command-line interface for quarry.
var CLI struct {
	Verbose bool `short:"v" help:"Enable debug logging"`

	Info    InfoCmd    `cmd:"" help:"Print the database header and file state"`
	Pages   PagesCmd   `cmd:"" help:"List pages with type and content digest"`
	Check   CheckCmd   `cmd:"" help:"Scan the database for structural damage"`
	Backup  BackupCmd  `cmd:"" help:"Write a consistent xz-compressed snapshot"`
	Restore RestoreCmd `cmd:"" help:"Restore a database from a snapshot"`
	Stats   StatsCmd   `cmd:"" help:"Summarize page usage"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// openForRead opens the database and starts a read transaction, recovering
// any hot journal on the way.
func openForRead(path string, readOnly bool) (*pager.Pager, error) {
	p, err := pager.Open(vfs.NewOSFS(), path, pager.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, err
	}
	if err := p.BeginRead(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// InfoCmd prints the decoded header and on-disk state.
type InfoCmd struct {
	Path string `arg:"" help:"Database file" type:"existingfile"`
}

func (c *InfoCmd) Run() error {
	p, err := openForRead(c.Path, true)
	if err != nil {
		return err
	}
	defer p.Close()

	hdr := p.Header()
	fmt.Printf("Database: %s\n", c.Path)
	fmt.Printf("  Page size:      %d\n", hdr.PageSize)
	fmt.Printf("  Image size:     %d pages\n", p.ImageSize())
	fmt.Printf("  Change counter: %d\n", hdr.ChangeCounter)
	fmt.Printf("  Write version:  %d\n", hdr.WriteVersion)
	fmt.Printf("  Read version:   %d\n", hdr.ReadVersion)
	fmt.Printf("  Reserved space: %d bytes/page\n", hdr.ReservedSpace)
	fmt.Printf("  Freelist:       head %d, %d pages\n", hdr.FreelistHead, hdr.FreelistCount)
	for i, v := range hdr.Meta {
		if v != 0 {
			fmt.Printf("  Meta[%d]:        %d\n", i, v)
		}
	}

	fs := vfs.NewOSFS()
	if ok, _ := fs.Exists(c.Path + "-journal"); ok {
		fmt.Println("  Journal:        present")
	}
	if ok, _ := fs.Exists(c.Path + "-wal"); ok {
		fmt.Println("  Write-ahead log: present")
	}
	return nil
}

// PagesCmd lists every page in the image.
type PagesCmd struct {
	Path  string `arg:"" help:"Database file" type:"existingfile"`
	Start uint32 `default:"1" help:"First page to list"`
	Count uint32 `default:"0" help:"Number of pages to list (0 = to end)"`
}

func pageTypeName(t byte) string {
	switch t {
	case pager.PageTypeInteriorIndex:
		return "interior-index"
	case pager.PageTypeInteriorTable:
		return "interior-table"
	case pager.PageTypeLeafIndex:
		return "leaf-index"
	case pager.PageTypeLeafTable:
		return "leaf-table"
	}
	return "data"
}

func (c *PagesCmd) Run() error {
	p, err := openForRead(c.Path, true)
	if err != nil {
		return err
	}
	defer p.Close()

	end := p.ImageSize()
	if c.Count > 0 && pager.Pgno(c.Start+c.Count-1) < end {
		end = pager.Pgno(c.Start + c.Count - 1)
	}
	fmt.Printf("%8s  %-14s  %5s  %s\n", "PAGE", "TYPE", "CELLS", "DIGEST")
	for pgno := pager.Pgno(c.Start); pgno <= end; pgno++ {
		pg, err := p.Get(pgno)
		if err != nil {
			return err
		}
		data := pg.Data
		if pgno == 1 {
			data = data[pager.HeaderSize:]
		}
		typ := "data"
		cells := "-"
		if ph, err := pager.DecodePageHeader(data); err == nil {
			typ = pageTypeName(ph.Type)
			cells = fmt.Sprintf("%d", ph.CellCount)
		}
		digest := pager.PageDigest(pg.Data)
		fmt.Printf("%8d  %-14s  %5s  %s\n", pgno, typ, cells, hex.EncodeToString(digest[:8]))
		p.Unref(pg)
	}
	return nil
}

// CheckCmd runs the bounded integrity scan.
type CheckCmd struct {
	Path      string `arg:"" help:"Database file" type:"existingfile"`
	MaxFaults int    `default:"100" help:"Stop after this many findings"`
}

func (c *CheckCmd) Run() error {
	p, err := openForRead(c.Path, true)
	if err != nil {
		return err
	}
	defer p.Close()

	res, err := p.CheckIntegrity(c.MaxFaults)
	if err != nil {
		return err
	}
	fmt.Printf("Scanned %d pages, %d on the freelist\n", res.Pages, res.FreelistPages)
	if res.OK() {
		fmt.Println("ok")
		return nil
	}
	for _, f := range res.Faults {
		fmt.Printf("  %s\n", f)
	}
	if res.Truncated {
		fmt.Println("  ... more findings suppressed")
	}
	return fmt.Errorf("integrity check failed with %d findings", len(res.Faults))
}

// BackupCmd streams a consistent page image through an xz writer. The read
// transaction held for the duration keeps writers out of the copied range.
type BackupCmd struct {
	Path string `arg:"" help:"Database file" type:"existingfile"`
	Out  string `required:"" help:"Snapshot output path" type:"path"`
}

func (c *BackupCmd) Run() error {
	p, err := openForRead(c.Path, false)
	if err != nil {
		return err
	}
	defer p.Close()

	out, err := os.Create(c.Out)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer out.Close()
	w, err := xz.NewWriter(out)
	if err != nil {
		return fmt.Errorf("xz writer: %w", err)
	}

	n := p.ImageSize()
	for pgno := pager.Pgno(1); pgno <= n; pgno++ {
		pg, err := p.Get(pgno)
		if err != nil {
			return err
		}
		_, werr := w.Write(pg.Data)
		p.Unref(pg)
		if werr != nil {
			return fmt.Errorf("snapshot write: %w", werr)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("snapshot finish: %w", err)
	}
	fmt.Printf("Backed up %d pages (%d bytes) to %s\n", n, int64(n)*int64(p.PageSize()), c.Out)
	return nil
}

// RestoreCmd decompresses a snapshot into a database file.
type RestoreCmd struct {
	Snapshot string `arg:"" help:"Snapshot file" type:"existingfile"`
	Out      string `required:"" help:"Database output path" type:"path"`
}

func (c *RestoreCmd) Run() error {
	in, err := os.Open(c.Snapshot)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()
	r, err := xz.NewReader(in)
	if err != nil {
		return fmt.Errorf("xz reader: %w", err)
	}

	out, err := os.Create(c.Out)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	n, err := io.Copy(out, r)
	if err != nil {
		out.Close()
		return fmt.Errorf("restore: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	// Sanity check the result before declaring success.
	p, err := openForRead(c.Out, true)
	if err != nil {
		return fmt.Errorf("restored file does not open: %w", err)
	}
	defer p.Close()
	fmt.Printf("Restored %d bytes (%d pages of %d) to %s\n",
		n, p.ImageSize(), p.PageSize(), c.Out)
	return nil
}

// StatsCmd tallies pages by type across the whole image.
type StatsCmd struct {
	Path string `arg:"" help:"Database file" type:"existingfile"`
}

func (c *StatsCmd) Run() error {
	p, err := openForRead(c.Path, true)
	if err != nil {
		return err
	}
	defer p.Close()

	byType := make(map[string]int)
	var cells int
	for pgno := pager.Pgno(1); pgno <= p.ImageSize(); pgno++ {
		pg, err := p.Get(pgno)
		if err != nil {
			return err
		}
		data := pg.Data
		if pgno == 1 {
			data = data[pager.HeaderSize:]
		}
		if ph, err := pager.DecodePageHeader(data); err == nil {
			byType[pageTypeName(ph.Type)]++
			cells += int(ph.CellCount)
		} else {
			byType["data"]++
		}
		p.Unref(pg)
	}

	hdr := p.Header()
	fmt.Printf("Pages:          %d\n", p.ImageSize())
	fmt.Printf("Page size:      %d\n", p.PageSize())
	fmt.Printf("Freelist pages: %d\n", hdr.FreelistCount)
	fmt.Printf("Cells:          %d\n", cells)
	for _, typ := range []string{"leaf-table", "interior-table", "leaf-index", "interior-index", "data"} {
		if n := byType[typ]; n > 0 {
			fmt.Printf("  %-16s %d\n", typ, n)
		}
	}
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("quarry version %s\n", version)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("quarry"),
		kong.Description("Quarry - transactional page storage inspector"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	if CLI.Verbose {
		logging.InitLogger(logging.LevelDebug, logging.FormatText)
	}
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}
