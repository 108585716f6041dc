package checksum

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/zip"
)

// MaxArchiveEntries caps how many entries InspectArchive enumerates. Archives
// declaring or holding more are cut short: a defense against crafted central
// directories, not against decompression bombs (payloads are never read).
const MaxArchiveEntries = 10000

// MaxArchiveBytes caps how much of a stream InspectArchive spools to disk.
const MaxArchiveBytes = 1 << 30

const (
	directoryEndSignature    = 0x06054b50
	directory64LocSignature  = 0x07064b50
	directory64EndSignature  = 0x06064b50
	directoryHeaderSignature = 0x02014b50

	directoryEndLen       = 22
	directory64LocLen     = 20
	directory64EndLen     = 56
	directoryHeaderLen    = 46
	maxArchiveCommentLen  = 0xffff
	zip64DirectoryRecords = 0xffff
)

// InspectArchive lists the entries of the zip archive read from r, keyed by
// the synthetic object key name + "/" + entry name. The stream is spooled to
// a temp file because the zip central directory sits at the end.
func InspectArchive(name string, r io.Reader) (map[string]string, error) {
	return inspectArchive(name, r, MaxArchiveBytes)
}

func inspectArchive(name string, r io.Reader, maxBytes int64) (map[string]string, error) {
	tmp, err := os.CreateTemp("", "resourcestore-archive-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file for %q: %w", name, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("spooling archive %q: %w", name, err)
	}
	if size > maxBytes {
		return nil, fmt.Errorf("archive %q exceeds %d bytes", name, maxBytes)
	}
	return InspectArchiveAt(name, tmp, size, MaxArchiveEntries)
}

// InspectArchiveAt is InspectArchive over random-access content of the given
// size. At most limit entries are returned; limit <= 0 means
// MaxArchiveEntries.
//
// The central directory is walked by hand first, reading no more than
// limit+1 records. Only an archive that both declares and holds at most
// limit entries is handed to the zip reader.
func InspectArchiveAt(name string, r io.ReaderAt, size int64, limit int) (map[string]string, error) {
	if limit <= 0 {
		limit = MaxArchiveEntries
	}
	end, err := readDirectoryEnd(r, size)
	if err != nil {
		return nil, fmt.Errorf("reading archive %q: %w", name, err)
	}
	names, more, err := walkDirectory(r, size, end.offset, limit)
	if err != nil {
		return nil, fmt.Errorf("reading archive %q: %w", name, err)
	}
	if end.records > uint64(limit) || more {
		slog.Warn("Archive entry limit reached, stopping enumeration",
			"archive", name, "limit", limit, "declared_entries", end.records)
		return entryKeys(name, names), nil
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("reading archive %q: %w", name, err)
	}
	names = names[:0]
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return entryKeys(name, names), nil
}

// entryKeys maps entry names to synthetic keys. Directories are skipped.
// Repeated names keep their first key; later ones get a "#<index>" suffix.
func entryKeys(archive string, names []string) map[string]string {
	entries := make(map[string]string, len(names))
	dups := 0
	for i, n := range names {
		if strings.HasSuffix(n, "/") {
			continue
		}
		key := archive + "/" + n
		if _, ok := entries[key]; ok {
			dups++
			key = fmt.Sprintf("%s#%d", key, i)
		}
		entries[key] = n
	}
	if dups > 0 {
		slog.Warn("Archive has duplicate entry names", "archive", archive, "duplicates", dups)
	}
	slog.Debug("Inspected archive", "archive", archive, "entries", len(entries))
	return entries
}

type directoryEnd struct {
	records uint64
	offset  int64
}

// readDirectoryEnd locates the end of central directory record in the last
// 64 KiB of the archive, following the zip64 locator when present.
func readDirectoryEnd(r io.ReaderAt, size int64) (directoryEnd, error) {
	tailLen := int64(directoryEndLen + maxArchiveCommentLen)
	if tailLen > size {
		tailLen = size
	}
	if tailLen < directoryEndLen {
		return directoryEnd{}, zip.ErrFormat
	}
	tail := make([]byte, tailLen)
	if _, err := r.ReadAt(tail, size-tailLen); err != nil && !errors.Is(err, io.EOF) {
		return directoryEnd{}, err
	}

	pos := -1
	for i := len(tail) - directoryEndLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) != directoryEndSignature {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(tail[i+20:]))
		if i+directoryEndLen+commentLen <= len(tail) {
			pos = i
			break
		}
	}
	if pos < 0 {
		return directoryEnd{}, zip.ErrFormat
	}
	rec := tail[pos:]
	end := directoryEnd{
		records: uint64(binary.LittleEndian.Uint16(rec[10:])),
		offset:  int64(binary.LittleEndian.Uint32(rec[16:])),
	}

	if end.records == zip64DirectoryRecords || end.offset == 0xffffffff {
		endAt := size - tailLen + int64(pos)
		if end64, ok, err := readDirectory64End(r, endAt); err != nil {
			return directoryEnd{}, err
		} else if ok {
			end = end64
		}
	}
	if end.offset < 0 || end.offset > size {
		return directoryEnd{}, zip.ErrFormat
	}
	return end, nil
}

// readDirectory64End reads the zip64 end record named by the locator that
// precedes the classic end record at endAt. ok is false when there is no
// locator.
func readDirectory64End(r io.ReaderAt, endAt int64) (directoryEnd, bool, error) {
	locAt := endAt - directory64LocLen
	if locAt < 0 {
		return directoryEnd{}, false, nil
	}
	loc := make([]byte, directory64LocLen)
	if _, err := r.ReadAt(loc, locAt); err != nil {
		return directoryEnd{}, false, err
	}
	if binary.LittleEndian.Uint32(loc) != directory64LocSignature {
		return directoryEnd{}, false, nil
	}
	recAt := int64(binary.LittleEndian.Uint64(loc[8:]))
	if recAt < 0 || recAt > locAt {
		return directoryEnd{}, false, zip.ErrFormat
	}
	rec := make([]byte, directory64EndLen)
	if _, err := r.ReadAt(rec, recAt); err != nil {
		return directoryEnd{}, false, err
	}
	if binary.LittleEndian.Uint32(rec) != directory64EndSignature {
		return directoryEnd{}, false, zip.ErrFormat
	}
	return directoryEnd{
		records: binary.LittleEndian.Uint64(rec[32:]),
		offset:  int64(binary.LittleEndian.Uint64(rec[48:])),
	}, true, nil
}

// walkDirectory reads entry names from the central directory at offset,
// stopping at the first non-header record or after limit+1 records. more
// reports that the directory holds more than limit records; names then
// holds exactly limit of them.
func walkDirectory(r io.ReaderAt, size, offset int64, limit int) (names []string, more bool, err error) {
	br := bufio.NewReader(io.NewSectionReader(r, offset, size-offset))
	hdr := make([]byte, directoryHeaderLen)
	for {
		if _, err := io.ReadFull(br, hdr[:4]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return names, false, nil
			}
			return nil, false, err
		}
		if binary.LittleEndian.Uint32(hdr) != directoryHeaderSignature {
			return names, false, nil
		}
		if len(names) == limit {
			return names, true, nil
		}
		if _, err := io.ReadFull(br, hdr[4:]); err != nil {
			return nil, false, zip.ErrFormat
		}
		nameLen := int(binary.LittleEndian.Uint16(hdr[28:]))
		skip := int64(binary.LittleEndian.Uint16(hdr[30:])) + int64(binary.LittleEndian.Uint16(hdr[32:]))
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, false, zip.ErrFormat
		}
		if _, err := br.Discard(int(skip)); err != nil {
			return nil, false, zip.ErrFormat
		}
		names = append(names, string(name))
	}
}
