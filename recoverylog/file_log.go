package recoverylog

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	slotPrefix = "recovery."
	slotSuffix = ".log"
	tmpSuffix  = ".tmp"

	// DefaultCompactAfter is the number of frames in the active slot after
	// which FileLog considers rewriting it.
	DefaultCompactAfter = 4096
)

// FileLog is a Log of checksummed JSON lines in numbered slot files of a
// directory. See the package documentation for the slot scheme.
type FileLog struct {
	fs  afero.Fs
	dir string

	compactAfter int

	mu       sync.Mutex
	slot     int
	file     afero.File
	size     int64             // Bytes of whole frames in the active slot.
	live     map[string]Record // Records of the active slot.
	frames   int               // Frames written to the active slot.
	retired  []string          // Slot paths left by earlier runs.
	poisoned bool              // The active slot may end in a partial frame.
	closed   bool
}

var _ Log = (*FileLog)(nil)
var _ Retirer = (*FileLog)(nil)

// OpenFileLog opens a FileLog in dir, creating the directory if needed.
// Earlier slots are kept for LoadAll; empty ones and leftover temporary
// files of an interrupted compaction are removed. compactAfter <= 0 selects
// DefaultCompactAfter.
func OpenFileLog(fs afero.Fs, dir string, compactAfter int) (*FileLog, error) {
	if compactAfter <= 0 {
		compactAfter = DefaultCompactAfter
	}
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.WithMessagef(err, "creating %s", dir)
	}

	var slots, err = listSlots(fs, dir)
	if err != nil {
		return nil, err
	}

	var l = &FileLog{
		fs:           fs,
		dir:          dir,
		compactAfter: compactAfter,
		live:         make(map[string]Record),
	}

	var next = 0
	for _, s := range slots {
		next = s.n + 1

		if s.size == 0 {
			if err := fs.Remove(s.path); err != nil {
				return nil, errors.WithMessagef(err, "removing empty slot %s", s.path)
			}
			continue
		}
		l.retired = append(l.retired, s.path)
	}

	// Claim a fresh slot. O_EXCL makes a concurrent claim of the same slot
	// fail, in which case we move on to the next one.
	for {
		var p = l.slotPath(next)
		var f, err = fs.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			l.slot, l.file = next, f
			break
		} else if !os.IsExist(err) && !errors.Is(err, os.ErrExist) {
			return nil, errors.WithMessagef(err, "creating slot %s", p)
		}
		next++
	}
	syncDir(fs, dir)

	log.WithFields(log.Fields{
		"dir":     dir,
		"slot":    l.slot,
		"retired": len(l.retired),
	}).Debug("opened recovery log")

	return l, nil
}

// Put appends a put frame and syncs it.
func (l *FileLog) Put(rec Record) error {
	if rec.ID == "" {
		return errors.New("recovery record without id")
	}
	var line, err = encodeFrame(opPut, rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err = l.append(line); err != nil {
		return err
	}
	l.live[rec.ID] = rec
	l.compact()
	return nil
}

// Remove appends a remove frame and syncs it, if the active slot holds id.
// Records of retired slots are dropped by Retire instead.
func (l *FileLog) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.live[id]; !ok {
		return nil
	}
	var line, err = encodeFrame(opRemove, Record{ID: id})
	if err != nil {
		return err
	}
	if err = l.append(line); err != nil {
		return err
	}
	delete(l.live, id)
	l.compact()
	return nil
}

// LoadAll folds the retired slots, oldest first, into their latest records.
func (l *FileLog) LoadAll() ([]Record, error) {
	l.mu.Lock()
	var paths = append([]string(nil), l.retired...)
	l.mu.Unlock()

	return loadSlots(l.fs, paths)
}

// Retire deletes the retired slots.
func (l *FileLog) Retire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.retired) != 0 {
		if err := l.fs.Remove(l.retired[0]); err != nil && !os.IsNotExist(err) {
			return errors.WithMessagef(err, "retiring %s", l.retired[0])
		}
		l.retired = l.retired[1:]
	}
	syncDir(l.fs, l.dir)
	return nil
}

// Close closes the active slot. An active slot that holds no records is removed.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var err = l.file.Close()
	if err == nil && len(l.live) == 0 {
		err = l.fs.Remove(l.slotPath(l.slot))
	}
	return err
}

// Len returns the number of records in the active slot.
func (l *FileLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Path returns the path of the active slot.
func (l *FileLog) Path() string { return l.slotPath(l.slot) }

// append writes and syncs line. A failed write is cut back off the slot, so
// the next frame doesn't land after a fragment of this one. If that fails
// too, the live records move to a fresh slot.
func (l *FileLog) append(line []byte) error {
	if l.closed {
		return errors.New("recovery log is closed")
	}
	if l.poisoned {
		if err := l.reclaim(); err != nil {
			return errors.WithMessage(err, "replacing unusable slot")
		}
	}

	var err = l.write(line)
	if err == nil {
		l.size += int64(len(line))
		l.frames++
		return nil
	}

	if terr := l.truncate(); terr != nil {
		log.WithFields(log.Fields{
			"slot": l.slot,
			"err":  terr,
		}).Warn("failed to truncate partial frame; moving to a fresh slot")

		l.poisoned = true
		if rerr := l.reclaim(); rerr != nil {
			log.WithFields(log.Fields{"slot": l.slot, "err": rerr}).Warn("failed to move to a fresh slot")
		}
	}
	return err
}

func (l *FileLog) write(line []byte) error {
	if _, err := l.file.Write(line); err != nil {
		return errors.WithMessage(err, "appending frame")
	}
	if err := l.file.Sync(); err != nil {
		return errors.WithMessage(err, "syncing frame")
	}
	return nil
}

// truncate drops everything past the last whole frame of the active slot.
func (l *FileLog) truncate() error {
	if err := l.file.Truncate(l.size); err != nil {
		return err
	}
	if _, err := l.file.Seek(l.size, io.SeekStart); err != nil {
		return err
	}
	return l.file.Sync()
}

// reclaim writes the live records to the next free slot, which becomes
// active, and removes the poisoned one.
func (l *FileLog) reclaim() error {
	var old = l.slotPath(l.slot)
	var n = l.slot + 1

	var f afero.File
	var size int64
	for {
		var err error
		if f, size, err = l.writeLive(l.slotPath(n), os.O_EXCL); err == nil {
			break
		} else if !os.IsExist(err) && !errors.Is(err, os.ErrExist) {
			return err
		}
		n++
	}
	syncDir(l.fs, l.dir)

	_ = l.file.Close()
	if err := l.fs.Remove(old); err != nil && !os.IsNotExist(err) {
		// Its records are all carried by the new slot, which LoadAll reads later.
		log.WithFields(log.Fields{"slot": old, "err": err}).Warn("failed to remove poisoned slot")
	}
	syncDir(l.fs, l.dir)

	log.WithFields(log.Fields{
		"from":    l.slot,
		"to":      n,
		"records": len(l.live),
	}).Info("moved recovery log to a fresh slot")

	l.slot, l.file, l.size = n, f, size
	l.frames, l.poisoned = len(l.live), false
	return nil
}

// writeLive creates p with flag, writes a put frame of every live record in
// id order, and syncs it. The returned file is positioned at its end. An
// error creating p is returned as is.
func (l *FileLog) writeLive(p string, flag int) (afero.File, int64, error) {
	var ids = make([]string, 0, len(l.live))
	for id := range l.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var f, err = l.fs.OpenFile(p, os.O_RDWR|os.O_CREATE|flag, 0o640)
	if err != nil {
		return nil, 0, err
	}
	var size int64
	for _, id := range ids {
		var line, err = encodeFrame(opPut, l.live[id])
		if err == nil {
			_, err = f.Write(line)
		}
		if err != nil {
			_ = f.Close()
			_ = l.fs.Remove(p)
			return nil, 0, errors.WithMessagef(err, "writing %s", p)
		}
		size += int64(len(line))
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		_ = l.fs.Remove(p)
		return nil, 0, errors.WithMessagef(err, "syncing %s", p)
	}
	return f, size, nil
}

// compact runs maybeCompact. Its failure leaves the active slot as it was,
// so the frame just written stays durable and the error is only logged.
func (l *FileLog) compact() {
	if err := l.maybeCompact(); err != nil {
		log.WithFields(log.Fields{"slot": l.slot, "err": err}).Warn("failed to compact recovery log")
	}
}

// maybeCompact rewrites the active slot with only live records once mostly
// superseded. The rewrite goes to a temporary file which is synced and then
// renamed over the slot, so a crash leaves either the old or the new slot.
func (l *FileLog) maybeCompact() error {
	if l.frames < l.compactAfter || l.frames <= 2*len(l.live) {
		return nil
	}

	var p = l.slotPath(l.slot)
	var tmp = p + tmpSuffix

	var f, size, err = l.writeLive(tmp, os.O_TRUNC)
	if err != nil {
		return errors.WithMessage(err, "creating compaction file")
	}
	if err = l.fs.Rename(tmp, p); err != nil {
		_ = f.Close()
		_ = l.fs.Remove(tmp)
		return errors.WithMessage(err, "renaming compaction file")
	}
	syncDir(l.fs, l.dir)

	// f now refers to the slot. Frames continue at its end.
	_ = l.file.Close()
	l.file = f

	log.WithFields(log.Fields{
		"slot":    l.slot,
		"frames":  l.frames,
		"records": len(l.live),
		"size":    humanize.Bytes(uint64(size)),
	}).Debug("compacted recovery log")

	l.frames, l.size = len(l.live), size
	return nil
}

func (l *FileLog) slotPath(n int) string {
	return path.Join(l.dir, fmt.Sprintf("%s%d%s", slotPrefix, n, slotSuffix))
}

type slotFile struct {
	n    int
	path string
	size int64
}

// listSlots returns the slot files of dir in slot order, removing leftover
// compaction files along the way.
func listSlots(fs afero.Fs, dir string) ([]slotFile, error) {
	var infos, err = afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "listing %s", dir)
	}

	var out []slotFile
	for _, info := range infos {
		var name = info.Name()

		if strings.HasPrefix(name, slotPrefix) && strings.HasSuffix(name, slotSuffix+tmpSuffix) {
			if err := fs.Remove(path.Join(dir, name)); err != nil {
				return nil, errors.WithMessagef(err, "removing %s", name)
			}
			continue
		}
		if info.IsDir() || !strings.HasPrefix(name, slotPrefix) || !strings.HasSuffix(name, slotSuffix) {
			continue
		}
		var n, err = strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, slotPrefix), slotSuffix))
		if err != nil || n < 0 {
			continue
		}
		out = append(out, slotFile{n: n, path: path.Join(dir, name), size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].n < out[j].n })
	return out, nil
}

func loadSlots(fs afero.Fs, paths []string) ([]Record, error) {
	var recs = make(map[string]Record)

	for _, p := range paths {
		var data, err = afero.ReadFile(fs, p)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %s", p)
		}
		torn, err := decodeSlot(data, recs)
		if err != nil {
			return nil, errors.WithMessage(err, p)
		}
		if torn {
			log.WithField("slot", p).Warn("ignoring torn final frame of recovery log")
		}
	}

	var out = make([]Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReadDir returns the records held by every slot of dir without opening a
// FileLog, which would claim a slot. Used for inspection.
func ReadDir(fs afero.Fs, dir string) ([]Record, error) {
	var infos, err = afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "listing %s", dir)
	}
	var slots []slotFile
	for _, info := range infos {
		var name = info.Name()
		if info.IsDir() || !strings.HasPrefix(name, slotPrefix) || !strings.HasSuffix(name, slotSuffix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, slotPrefix), slotSuffix)); err == nil {
			slots = append(slots, slotFile{n: n, path: path.Join(dir, name)})
		}
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].n < slots[j].n })

	var paths = make([]string, len(slots))
	for i, s := range slots {
		paths[i] = s.path
	}
	return loadSlots(fs, paths)
}

// syncDir makes renames and removals in dir durable, where the Fs allows it.
func syncDir(fs afero.Fs, dir string) {
	var d, err = fs.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
