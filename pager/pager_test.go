package pager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/quarrydb/quarry/pcache"
	"github.com/quarrydb/quarry/vfs"
)

const testPageSize = 512

func newTestPager(t *testing.T, fs vfs.FS, opts Options) *Pager {
	t.Helper()
	if opts.PageSize == 0 {
		opts.PageSize = testPageSize
	}
	p, err := Open(fs, "test.db", opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// fillPage writes a recognizable pattern into a pinned page. The first 100
// bytes of page 1 belong to the header and are left alone.
func fillPage(pg *Page, b byte) {
	start := 0
	if pg.Pgno == 1 {
		start = HeaderSize
	}
	for i := start; i < len(pg.Data); i++ {
		pg.Data[i] = b
	}
}

// writePages modifies the given pages inside an open write transaction.
func writePages(t *testing.T, p *Pager, pgnos []Pgno, b byte) {
	t.Helper()
	for _, pgno := range pgnos {
		pg, err := p.Get(pgno)
		if err != nil {
			t.Fatalf("Get(%d) error = %v", pgno, err)
		}
		if err := p.Write(pg); err != nil {
			t.Fatalf("Write(%d) error = %v", pgno, err)
		}
		fillPage(pg, b)
		p.Unref(pg)
	}
}

// commitPages runs a whole write transaction that sets pages to pattern b.
func commitPages(t *testing.T, p *Pager, pgnos []Pgno, b byte) {
	t.Helper()
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	writePages(t, p, pgnos, b)
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

// checkPage verifies a page holds pattern b.
func checkPage(t *testing.T, p *Pager, pgno Pgno, b byte) {
	t.Helper()
	pg, err := p.Get(pgno)
	if err != nil {
		t.Fatalf("Get(%d) error = %v", pgno, err)
	}
	defer p.Unref(pg)
	start := 0
	if pgno == 1 {
		start = HeaderSize
	}
	want := bytes.Repeat([]byte{b}, len(pg.Data)-start)
	if !bytes.Equal(pg.Data[start:], want) {
		t.Errorf("page %d content = %#x..., want all %#x", pgno, pg.Data[start:start+8], b)
	}
}

func TestCommitAndReadBack(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2, 3}, 0xAA)

	// A fresh pager sees the committed image.
	q := newTestPager(t, fs, Options{})
	if err := q.BeginRead(); err != nil {
		t.Fatalf("BeginRead() error = %v", err)
	}
	if got := q.ImageSize(); got != 3 {
		t.Errorf("ImageSize() = %d, want 3", got)
	}
	checkPage(t, q, 2, 0xAA)
	checkPage(t, q, 3, 0xAA)

	hdr := q.Header()
	if hdr.DBSize != 3 {
		t.Errorf("header DBSize = %d, want 3", hdr.DBSize)
	}
	if hdr.ChangeCounter != 1 {
		t.Errorf("header ChangeCounter = %d, want 1", hdr.ChangeCounter)
	}
}

func TestJournalDeletedAfterCommit(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2}, 0x01)
	if ok, _ := fs.Exists("test.db-journal"); ok {
		t.Error("journal still exists after delete-mode commit")
	}
}

func TestChangeCounterBumpsOncePerTransaction(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2}, 0x01)
	commitPages(t, p, []Pgno{2, 3}, 0x02)

	q := newTestPager(t, fs, Options{})
	if err := q.BeginRead(); err != nil {
		t.Fatalf("BeginRead() error = %v", err)
	}
	if got := q.Header().ChangeCounter; got != 2 {
		t.Errorf("ChangeCounter = %d, want 2", got)
	}
}

func TestRollbackRestoresCache(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2, 3}, 0xAA)

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	writePages(t, p, []Pgno{2}, 0xBB)
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if got := p.State(); got != StateReader {
		t.Fatalf("State() after rollback = %s, want reader", got)
	}
	checkPage(t, p, 2, 0xAA)
	checkPage(t, p, 3, 0xAA)
}

func TestRollbackAfterSpillRestoresFile(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{CacheSize: 2})
	pgnos := make([]Pgno, 0, 12)
	for pgno := Pgno(2); pgno <= 13; pgno++ {
		pgnos = append(pgnos, pgno)
	}
	commitPages(t, p, pgnos, 0xAA)

	// Rewriting all pages through a 2-page cache forces spills, so the
	// database file is modified mid-transaction.
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	writePages(t, p, pgnos, 0xBB)
	if p.Stats().Spills == 0 {
		t.Fatal("expected cache pressure to spill pages")
	}
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	for _, pgno := range pgnos {
		checkPage(t, p, pgno, 0xAA)
	}

	// And on disk, not just in cache.
	q := newTestPager(t, fs, Options{})
	if err := q.BeginRead(); err != nil {
		t.Fatalf("BeginRead() error = %v", err)
	}
	for _, pgno := range pgnos {
		checkPage(t, q, pgno, 0xAA)
	}
}

func TestCommitThroughSpills(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{CacheSize: 2})
	pgnos := make([]Pgno, 0, 12)
	for pgno := Pgno(2); pgno <= 13; pgno++ {
		pgnos = append(pgnos, pgno)
	}
	commitPages(t, p, pgnos, 0xCC)

	q := newTestPager(t, fs, Options{})
	if err := q.BeginRead(); err != nil {
		t.Fatalf("BeginRead() error = %v", err)
	}
	for _, pgno := range pgnos {
		checkPage(t, q, pgno, 0xCC)
	}
}

func TestSpillOfNewPageSyncsJournalHeader(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{CacheSize: 2})

	// Every page is new, so none carries a pre-image or a need-sync flag.
	// Spilling one still may not touch the database file while the open
	// journal section header is unsynced.
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	pgnos := make([]Pgno, 0, 12)
	for pgno := Pgno(2); pgno <= 13; pgno++ {
		pgnos = append(pgnos, pgno)
	}
	writePages(t, p, pgnos, 0xAA)
	if p.Stats().Spills == 0 {
		t.Fatal("expected cache pressure to spill pages")
	}
	if p.State() != StateWriterDBMod {
		t.Fatalf("State() = %s, want writer-dbmod", p.State())
	}

	jfd, err := fs.Open("test.db-journal", true)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	var hdr [12]byte
	if _, err := jfd.ReadAt(hdr[:], 0); err != nil {
		t.Fatalf("read journal header: %v", err)
	}
	jfd.Close()
	if binary.BigEndian.Uint32(hdr[8:12]) == noRecordCount {
		t.Fatal("database file written while the journal section header was unsynced")
	}

	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	for _, pgno := range pgnos {
		checkPage(t, p, pgno, 0xAA)
	}
}

func TestPageSizeAdoptionKeepsCacheOptions(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{PageSize: 1024})
	commitPages(t, p, []Pgno{2}, 0xAA)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Opening with the wrong page size rebuilds the cache when the header
	// is read; the configured group and budget must carry over.
	g := pcache.NewGroup(false)
	q := newTestPager(t, fs, Options{PageSize: 512, CacheSize: 2, Group: g})
	if err := q.BeginRead(); err != nil {
		t.Fatalf("BeginRead() error = %v", err)
	}
	if q.PageSize() != 1024 {
		t.Fatalf("PageSize() = %d, want 1024", q.PageSize())
	}
	if q.group != g {
		t.Error("page size adoption replaced the configured cache group")
	}

	if err := q.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	pgnos := make([]Pgno, 0, 12)
	for pgno := Pgno(2); pgno <= 13; pgno++ {
		pgnos = append(pgnos, pgno)
	}
	writePages(t, q, pgnos, 0xBB)
	if q.Stats().Spills == 0 {
		t.Error("page size adoption discarded the cache budget")
	}
	if err := q.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func TestHotJournalRecovery(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2, 3}, 0xAA)
	p.Close()

	// Capture the committed images, then simulate a crashed writer: a
	// synced journal holding the pre-images, and newer garbage in the file.
	fd, err := fs.Open("test.db", false)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	pre2 := make([]byte, testPageSize)
	pre3 := make([]byte, testPageSize)
	if _, err := fd.ReadAt(pre2, 1*testPageSize); err != nil {
		t.Fatalf("read page 2: %v", err)
	}
	if _, err := fd.ReadAt(pre3, 2*testPageSize); err != nil {
		t.Fatalf("read page 3: %v", err)
	}

	j, err := openJournal(fs, "test.db-journal", JournalModeDelete, testPageSize)
	if err != nil {
		t.Fatalf("openJournal() error = %v", err)
	}
	if err := j.startSection(3); err != nil {
		t.Fatalf("startSection() error = %v", err)
	}
	if err := j.writeRecord(2, pre2); err != nil {
		t.Fatalf("writeRecord() error = %v", err)
	}
	if err := j.writeRecord(3, pre3); err != nil {
		t.Fatalf("writeRecord() error = %v", err)
	}
	if err := j.sync(vfs.SyncNormal); err != nil {
		t.Fatalf("sync() error = %v", err)
	}
	if err := j.close(); err != nil {
		t.Fatalf("close() error = %v", err)
	}

	garbage := bytes.Repeat([]byte{0xEE}, testPageSize)
	if _, err := fd.WriteAt(garbage, 1*testPageSize); err != nil {
		t.Fatalf("corrupt page 2: %v", err)
	}
	if _, err := fd.WriteAt(garbage, 3*testPageSize); err != nil {
		t.Fatalf("extend with page 4: %v", err)
	}
	fd.Close()

	// The next reader must notice the hot journal and roll the file back.
	q := newTestPager(t, fs, Options{})
	if err := q.BeginRead(); err != nil {
		t.Fatalf("BeginRead() error = %v", err)
	}
	checkPage(t, q, 2, 0xAA)
	checkPage(t, q, 3, 0xAA)
	if got := q.ImageSize(); got != 3 {
		t.Errorf("ImageSize() after recovery = %d, want 3", got)
	}
	if ok, _ := fs.Exists("test.db-journal"); ok {
		t.Error("hot journal not deleted after recovery")
	}
}

func TestSavepointRollback(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2, 3}, 0xAA)

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	writePages(t, p, []Pgno{2}, 0xBB)

	if err := p.OpenSavepoint("one"); err != nil {
		t.Fatalf("OpenSavepoint() error = %v", err)
	}
	writePages(t, p, []Pgno{2}, 0xCC) // pre-image 0xBB goes to the sub-journal
	writePages(t, p, []Pgno{3}, 0xDD) // pre-image 0xAA goes to the main journal
	writePages(t, p, []Pgno{4}, 0xEE) // page created after the savepoint

	if err := p.RollbackToSavepoint("one"); err != nil {
		t.Fatalf("RollbackToSavepoint() error = %v", err)
	}
	checkPage(t, p, 2, 0xBB)
	checkPage(t, p, 3, 0xAA)
	if got := p.ImageSize(); got != 3 {
		t.Errorf("ImageSize() = %d, want 3", got)
	}

	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	checkPage(t, p, 2, 0xBB)
	checkPage(t, p, 3, 0xAA)
}

func TestSavepointReleaseKeepsChanges(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2}, 0xAA)

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	if err := p.OpenSavepoint("one"); err != nil {
		t.Fatalf("OpenSavepoint() error = %v", err)
	}
	writePages(t, p, []Pgno{2}, 0xBB)
	if err := p.ReleaseSavepoint("one"); err != nil {
		t.Fatalf("ReleaseSavepoint() error = %v", err)
	}
	if err := p.RollbackToSavepoint("one"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RollbackToSavepoint after release = %v, want ErrNotFound", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	checkPage(t, p, 2, 0xBB)
}

func TestSavepointOutsideWriteTransaction(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	if err := p.OpenSavepoint("x"); !errors.Is(err, ErrMisuse) {
		t.Errorf("OpenSavepoint() = %v, want ErrMisuse", err)
	}
}

func TestTruncateImage(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	pgnos := []Pgno{2, 3, 4, 5}
	commitPages(t, p, pgnos, 0xAA)

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	if err := p.TruncateImage(3); err != nil {
		t.Fatalf("TruncateImage() error = %v", err)
	}
	if err := p.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if got := p.ImageSize(); got != 3 {
		t.Errorf("ImageSize() = %d, want 3", got)
	}

	fd, err := fs.Open("test.db", true)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer fd.Close()
	sz, err := fd.Size()
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if sz != 3*testPageSize {
		t.Errorf("file size = %d, want %d", sz, 3*testPageSize)
	}
}

func TestSecondWriterBlocked(t *testing.T) {
	fs := vfs.NewMemFS()
	a := newTestPager(t, fs, Options{})
	commitPages(t, a, []Pgno{2}, 0xAA)

	if err := a.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	b := newTestPager(t, fs, Options{})
	if err := b.BeginWrite(); !errors.Is(err, ErrBusy) {
		t.Errorf("second BeginWrite() = %v, want ErrBusy", err)
	}

	// Readers are not blocked by a reserved lock.
	if err := b.BeginRead(); err != nil {
		t.Errorf("BeginRead() under reserved lock = %v", err)
	}
	checkPage(t, b, 2, 0xAA)

	if err := a.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
}

func TestBusyHandlerRetries(t *testing.T) {
	fs := vfs.NewMemFS()
	a := newTestPager(t, fs, Options{})
	commitPages(t, a, []Pgno{2}, 0xAA)
	if err := a.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}

	b := newTestPager(t, fs, Options{})
	calls := 0
	b.SetBusyHandler(func(count int) bool {
		calls++
		if count == 1 {
			// Give up the competing transaction, then retry once more.
			if err := a.Rollback(); err != nil {
				t.Fatalf("Rollback() error = %v", err)
			}
			a.EndRead()
			return true
		}
		return count < 1
	})
	if err := b.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() with busy handler error = %v", err)
	}
	if calls == 0 {
		t.Error("busy handler never invoked")
	}
	if err := b.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2}, 0xAA)
	p.Close()

	q := newTestPager(t, fs, Options{ReadOnly: true})
	if err := q.BeginWrite(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("BeginWrite() on read-only pager = %v, want ErrReadOnly", err)
	}
	if err := q.BeginRead(); err != nil {
		t.Fatalf("BeginRead() error = %v", err)
	}
	checkPage(t, q, 2, 0xAA)
}

func TestNewPageIsZeroFilled(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	pg, err := p.Get(5)
	if err != nil {
		t.Fatalf("Get(5) error = %v", err)
	}
	defer p.Unref(pg)
	for _, b := range pg.Data {
		if b != 0 {
			t.Fatal("page beyond the image is not zero-filled")
		}
	}
}

func TestGetOutsideTransaction(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	if _, err := p.Get(1); !errors.Is(err, ErrMisuse) {
		t.Errorf("Get() outside a transaction = %v, want ErrMisuse", err)
	}
	if _, err := p.Get(0); !errors.Is(err, ErrMisuse) {
		t.Errorf("Get(0) = %v, want ErrMisuse", err)
	}
}

func TestWriteOutsideWriteTransaction(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2}, 0xAA)
	pg, err := p.Get(2)
	if err != nil {
		t.Fatalf("Get(2) error = %v", err)
	}
	defer p.Unref(pg)
	if err := p.Write(pg); !errors.Is(err, ErrMisuse) {
		t.Errorf("Write() in read state = %v, want ErrMisuse", err)
	}
}

func TestMemoryDatabase(t *testing.T) {
	p, err := Open(vfs.NewMemFS(), "main", Options{PageSize: testPageSize, Memory: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer p.Close()
	commitPages(t, p, []Pgno{2, 3}, 0x77)
	checkPage(t, p, 2, 0x77)

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	writePages(t, p, []Pgno{2}, 0x88)
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	checkPage(t, p, 2, 0x77)
}

func TestJournalModePersist(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{JournalMode: JournalModePersist})
	commitPages(t, p, []Pgno{2}, 0xAA)

	if ok, _ := fs.Exists("test.db-journal"); !ok {
		t.Fatal("persist-mode journal missing after commit")
	}
	fd, err := fs.Open("test.db-journal", true)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer fd.Close()
	hdr := make([]byte, journalHeaderSize)
	if _, err := fd.ReadAt(hdr, 0); err != nil {
		t.Fatalf("read journal header: %v", err)
	}
	for _, b := range hdr {
		if b != 0 {
			t.Fatal("persist-mode journal header not zeroed")
		}
	}

	// A zeroed header must not look like a hot journal.
	q := newTestPager(t, fs, Options{})
	if err := q.BeginRead(); err != nil {
		t.Fatalf("BeginRead() error = %v", err)
	}
	checkPage(t, q, 2, 0xAA)
}

func TestJournalModeTruncate(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{JournalMode: JournalModeTruncate})
	commitPages(t, p, []Pgno{2}, 0xAA)

	fd, err := fs.Open("test.db-journal", true)
	if err != nil {
		t.Fatalf("truncate-mode journal missing: %v", err)
	}
	defer fd.Close()
	sz, err := fd.Size()
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if sz != 0 {
		t.Errorf("journal size = %d, want 0", sz)
	}
}

func TestWriteTxCommitsAndRollsBack(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2}, 0xAA)

	err := p.WriteTx(func() error {
		writePages(t, p, []Pgno{2}, 0xBB)
		return nil
	})
	if err != nil {
		t.Fatalf("WriteTx() error = %v", err)
	}
	checkPage(t, p, 2, 0xBB)

	boom := errors.New("application error")
	err = p.WriteTx(func() error {
		writePages(t, p, []Pgno{2}, 0xCC)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WriteTx() error = %v, want %v", err, boom)
	}
	checkPage(t, p, 2, 0xBB)
}

// flaky wraps a file system so tests can inject write failures on the
// database file only.
type flakyFS struct {
	vfs.FS
	dbName string
	fail   *bool
}

func (f *flakyFS) Open(name string, readOnly bool) (vfs.File, error) {
	fd, err := f.FS.Open(name, readOnly)
	if err != nil || name != f.dbName {
		return fd, err
	}
	return &flakyFile{File: fd, fail: f.fail}, nil
}

type flakyFile struct {
	vfs.File
	fail *bool
}

func (f *flakyFile) WriteAt(p []byte, off int64) (int, error) {
	if *f.fail {
		return 0, errors.New("injected write failure")
	}
	return f.File.WriteAt(p, off)
}

// truncFS injects Truncate failures on one file, for driving journal
// finalization errors.
type truncFS struct {
	vfs.FS
	name string
	fail *bool
}

func (f *truncFS) Open(name string, readOnly bool) (vfs.File, error) {
	fd, err := f.FS.Open(name, readOnly)
	if err != nil || name != f.name {
		return fd, err
	}
	return &truncFile{File: fd, fail: f.fail}, nil
}

type truncFile struct {
	vfs.File
	fail *bool
}

func (f *truncFile) Truncate(size int64) error {
	if *f.fail {
		return errors.New("injected truncate failure")
	}
	return f.File.Truncate(size)
}

func TestErrorLatchingAndRecovery(t *testing.T) {
	fail := false
	fs := &flakyFS{FS: vfs.NewMemFS(), dbName: "test.db", fail: &fail}
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2, 3}, 0xAA)

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	writePages(t, p, []Pgno{2}, 0xBB)

	fail = true
	err := p.Commit()
	if err == nil {
		t.Fatal("Commit() succeeded despite failing writes")
	}
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("Commit() error = %T, want *IOError", err)
	}
	if !ioe.PossiblyCorrupt {
		t.Error("IOError during page flush should flag possible corruption")
	}
	if p.State() != StateError {
		t.Fatalf("State() = %s, want error", p.State())
	}

	// Every operation reports the latched error until recovery.
	if _, err := p.Get(2); err == nil {
		t.Error("Get() in error state returned no error")
	}

	fail = false
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() after error = %v", err)
	}
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead() after recovery = %v", err)
	}
	checkPage(t, p, 2, 0xAA)
	checkPage(t, p, 3, 0xAA)
}

func TestErrorDuringJournalFinalize(t *testing.T) {
	fail := false
	fs := &truncFS{FS: vfs.NewMemFS(), name: "test.db-journal", fail: &fail}
	p := newTestPager(t, fs, Options{JournalMode: JournalModeTruncate})
	commitPages(t, p, []Pgno{2, 3}, 0xAA)

	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	writePages(t, p, []Pgno{2}, 0xBB)

	// Hold a reference across the failed commit so the error stays latched.
	pg, err := p.Get(3)
	if err != nil {
		t.Fatalf("Get(3) error = %v", err)
	}

	fail = true
	if err := p.Commit(); err == nil {
		t.Fatal("Commit() succeeded despite a failing journal finalization")
	}
	if p.State() != StateError {
		t.Fatalf("State() = %s, want error", p.State())
	}
	if _, err := p.Get(2); err == nil {
		t.Error("Get() in error state returned no error")
	}

	// Clearing the fault is not enough; the error holds until the last
	// page reference is released.
	fail = false
	if _, err := p.Get(2); err == nil {
		t.Error("Get() returned no error while a reference was still held")
	}
	p.Unref(pg)
	if p.State() != StateOpen {
		t.Fatalf("State() after last Unref = %s, want open", p.State())
	}

	// The journal survived the failed finalize, so the next read treats it
	// as hot and rolls the half-committed transaction back.
	if err := p.BeginRead(); err != nil {
		t.Fatalf("BeginRead() after reset = %v", err)
	}
	checkPage(t, p, 2, 0xAA)
	checkPage(t, p, 3, 0xAA)
}

func TestImageDigestStableAcrossRollback(t *testing.T) {
	fs := vfs.NewMemFS()
	p := newTestPager(t, fs, Options{})
	commitPages(t, p, []Pgno{2, 3}, 0xAA)

	before, err := p.ImageDigest(p.ImageSize())
	if err != nil {
		t.Fatalf("ImageDigest() error = %v", err)
	}
	if err := p.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite() error = %v", err)
	}
	writePages(t, p, []Pgno{2, 3}, 0xBB)
	if err := p.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	after, err := p.ImageDigest(p.ImageSize())
	if err != nil {
		t.Fatalf("ImageDigest() error = %v", err)
	}
	if before != after {
		t.Error("image digest changed across a rolled-back transaction")
	}
}

func TestSuperJournalNameIsUnique(t *testing.T) {
	a := SuperJournalName("/data/one.db")
	b := SuperJournalName("/data/one.db")
	if a == b {
		t.Fatalf("SuperJournalName() returned %q twice", a)
	}
}

func TestCommitAllTwoDatabases(t *testing.T) {
	fs := vfs.NewMemFS()
	openDB := func(name string) *Pager {
		p, err := Open(fs, name, Options{PageSize: testPageSize})
		if err != nil {
			t.Fatalf("Open(%s) error = %v", name, err)
		}
		t.Cleanup(func() { p.Close() })
		return p
	}
	a := openDB("a.db")
	b := openDB("b.db")
	commitPages(t, a, []Pgno{2}, 0xAA)
	commitPages(t, b, []Pgno{2}, 0xBB)

	if err := a.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite(a) error = %v", err)
	}
	if err := b.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite(b) error = %v", err)
	}
	writePages(t, a, []Pgno{2}, 0xA1)
	writePages(t, b, []Pgno{2}, 0xB1)

	if err := CommitAll(fs, a, b); err != nil {
		t.Fatalf("CommitAll() error = %v", err)
	}
	checkPage(t, a, 2, 0xA1)
	checkPage(t, b, 2, 0xB1)

	for _, name := range []string{"a.db-journal", "b.db-journal"} {
		if ok, _ := fs.Exists(name); ok {
			t.Errorf("%s still exists after CommitAll", name)
		}
	}
}

func TestCommitAllRollsBackAllOnFailure(t *testing.T) {
	fail := false
	fs := &flakyFS{FS: vfs.NewMemFS(), dbName: "b.db", fail: &fail}
	a, err := Open(fs, "a.db", Options{PageSize: testPageSize})
	if err != nil {
		t.Fatalf("Open(a) error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	b, err := Open(fs, "b.db", Options{PageSize: testPageSize})
	if err != nil {
		t.Fatalf("Open(b) error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	commitPages(t, a, []Pgno{2}, 0xAA)
	commitPages(t, b, []Pgno{2}, 0xBB)

	if err := a.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite(a) error = %v", err)
	}
	if err := b.BeginWrite(); err != nil {
		t.Fatalf("BeginWrite(b) error = %v", err)
	}
	writePages(t, a, []Pgno{2}, 0xA1)
	writePages(t, b, []Pgno{2}, 0xB1)

	fail = true
	if err := CommitAll(fs, a, b); err == nil {
		t.Fatal("CommitAll() succeeded with an injected write failure")
	}
	fail = false

	// Neither database keeps any of the attempted changes.
	checkPage(t, a, 2, 0xAA)
	if err := b.BeginRead(); err != nil {
		t.Fatalf("BeginRead(b) error = %v", err)
	}
	checkPage(t, b, 2, 0xBB)
}
