package pkg

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"
	"path"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

// Bundles collect a staged platform tree into a single file: each entry is a
// brotli stream, the trailing index records offsets, sizes and the SHA-256
// digest of the uncompressed content. The 16 byte header ("SLAB", version,
// index offset, entry count) is written last.

const bundleVersion = 1

// BundleFile contains the index data for one packed file
type BundleFile struct {
	offset  int32
	size    int32
	decSize int32
	digest  [sha256.Size]byte
}

// BundleFolder contains an index of the available sub-folders and files
type BundleFolder struct {
	folders map[string]*BundleFolder
	files   map[string]*BundleFile
}

// BundleWriter writes artifact bundles
type BundleWriter struct {
	hdl      *os.File
	root     *BundleFolder
	dirStack []*BundleFolder
	current  *BundleFolder
	buffer   []byte
}

func newBundleFolder() *BundleFolder {
	return &BundleFolder{
		folders: map[string]*BundleFolder{},
		files:   map[string]*BundleFile{},
	}
}

// NewBundleWriter creates a new BundleWriter instance and opens it for writing
func NewBundleWriter(filename string) (*BundleWriter, error) {
	hdl, err := os.Create(filename)
	if err != nil {
		return nil, err
	}

	root := newBundleFolder()
	dirStack := make([]*BundleFolder, 1)
	dirStack[0] = root

	// skip the header which consists of 4 chars and 3 int32s
	_, err = hdl.Seek(int64(4+12), io.SeekStart)
	if err != nil {
		hdl.Close()
		return nil, err
	}

	return &BundleWriter{
		hdl:      hdl,
		root:     root,
		dirStack: dirStack,
		current:  root,
		buffer:   make([]byte, 4096),
	}, nil
}

// OpenDirectory creates a new directory entry. Anything created until the
// next CloseDirectory() call will be created inside this directory.
func (w *BundleWriter) OpenDirectory(dirname string) error {
	dir := newBundleFolder()

	w.current.folders[dirname] = dir
	w.dirStack = append(w.dirStack, dir)
	w.current = dir

	return nil
}

// CloseDirectory closes the directory that was last opened
func (w *BundleWriter) CloseDirectory() error {
	stackLen := len(w.dirStack)
	if stackLen < 2 {
		return eris.New("No directory left on stack")
	}

	w.dirStack = w.dirStack[:stackLen-1]
	w.current = w.dirStack[stackLen-2]
	return nil
}

// WriteFile compresses the given file into the current bundle directory and
// records its uncompressed digest in the index.
func (w *BundleWriter) WriteFile(filename string, reader io.Reader) error {
	item := new(BundleFile)
	offset, err := w.hdl.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	item.offset = int32(offset)
	hash := sha256.New()
	brw := brotli.NewWriterLevel(w.hdl, brotli.BestCompression)

	decSize, err := io.CopyBuffer(brw, io.TeeReader(reader, hash), w.buffer)
	if err != nil {
		return err
	}

	err = brw.Close()
	if err != nil {
		return err
	}

	newPos, err := w.hdl.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	item.size = int32(newPos - offset)
	item.decSize = int32(decSize)
	hash.Sum(item.digest[:0])
	w.current.files[filename] = item

	return nil
}

// Close writes the central index and closes the bundle
func (w *BundleWriter) Close() error {
	if len(w.dirStack) != 1 {
		w.hdl.Close()
		return eris.New("Open directories left over!")
	}

	items := int32(0)
	buffer := make([]byte, 64)
	indexOffset, err := w.hdl.Seek(0, io.SeekCurrent)
	if err != nil {
		w.hdl.Close()
		return err
	}
	err = writeIndexEntries(w.root, w.hdl, &items, buffer)
	if err != nil {
		w.hdl.Close()
		return err
	}

	_, err = w.hdl.Seek(0, io.SeekStart)
	if err != nil {
		w.hdl.Close()
		return err
	}

	buffer[0] = 'S'
	buffer[1] = 'L'
	buffer[2] = 'A'
	buffer[3] = 'B'
	binary.LittleEndian.PutUint32(buffer[4:8], bundleVersion)
	binary.LittleEndian.PutUint32(buffer[8:12], uint32(indexOffset))
	binary.LittleEndian.PutUint32(buffer[12:16], uint32(items))

	_, err = w.hdl.Write(buffer[:16])
	if err != nil {
		w.hdl.Close()
		return err
	}
	return w.hdl.Close()
}

func writeIndexEntry(hdl *os.File, buffer []byte, item *BundleFile, name string) error {
	binary.LittleEndian.PutUint32(buffer[:4], uint32(item.offset))
	binary.LittleEndian.PutUint32(buffer[4:8], uint32(item.size))
	binary.LittleEndian.PutUint32(buffer[8:12], uint32(item.decSize))
	copy(buffer[12:44], item.digest[:])
	binary.LittleEndian.PutUint16(buffer[44:46], uint16(len(name)))

	_, err := hdl.Write(buffer[:46])
	if err != nil {
		return err
	}

	_, err = hdl.WriteString(name)
	return err
}

func writeIndexEntries(folder *BundleFolder, hdl *os.File, items *int32, buffer []byte) error {
	var dirMarker BundleFile

	for name, sub := range folder.folders {
		err := writeIndexEntry(hdl, buffer, &dirMarker, name)
		if err != nil {
			return err
		}

		err = writeIndexEntries(sub, hdl, items, buffer)
		if err != nil {
			return err
		}

		err = writeIndexEntry(hdl, buffer, &dirMarker, "..")
		if err != nil {
			return err
		}
	}

	for name, file := range folder.files {
		err := writeIndexEntry(hdl, buffer, file, name)
		if err != nil {
			return err
		}
	}

	*items += int32(len(folder.folders)*2 + len(folder.files))
	return nil
}

// BundleEntry describes one file in a bundle index, keyed by its slash
// separated path.
type BundleEntry struct {
	Offset  int32
	Size    int32
	DecSize int32
	Sha256  [sha256.Size]byte
}

// ReadBundleIndex parses the index of a bundle and returns its files.
func ReadBundleIndex(filename string) (map[string]BundleEntry, error) {
	hdl, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer hdl.Close()

	header := make([]byte, 16)
	_, err = io.ReadFull(hdl, header)
	if err != nil {
		return nil, eris.Wrapf(err, "Failed to read bundle header from %s", filename)
	}

	if string(header[:4]) != "SLAB" {
		return nil, eris.Errorf("%s is not an artifact bundle", filename)
	}

	version := binary.LittleEndian.Uint32(header[4:8])
	if version != bundleVersion {
		return nil, eris.Errorf("unsupported bundle version %d", version)
	}

	indexOffset := binary.LittleEndian.Uint32(header[8:12])
	count := binary.LittleEndian.Uint32(header[12:16])

	_, err = hdl.Seek(int64(indexOffset), io.SeekStart)
	if err != nil {
		return nil, err
	}

	result := make(map[string]BundleEntry)
	buffer := make([]byte, 64)
	dirStack := make([]string, 0)

	for idx := uint32(0); idx < count; idx++ {
		_, err = io.ReadFull(hdl, buffer[:46])
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to read index entry %d", idx)
		}

		var entry BundleEntry
		entry.Offset = int32(binary.LittleEndian.Uint32(buffer[:4]))
		entry.Size = int32(binary.LittleEndian.Uint32(buffer[4:8]))
		entry.DecSize = int32(binary.LittleEndian.Uint32(buffer[8:12]))
		copy(entry.Sha256[:], buffer[12:44])

		nameLen := binary.LittleEndian.Uint16(buffer[44:46])
		nameBuf := make([]byte, nameLen)
		_, err = io.ReadFull(hdl, nameBuf)
		if err != nil {
			return nil, eris.Wrapf(err, "Failed to read index entry %d", idx)
		}
		name := string(nameBuf)

		// real entries always sit behind the header, so offset 0 marks a directory
		if entry.Offset == 0 {
			if name == ".." {
				if len(dirStack) == 0 {
					return nil, eris.New("unbalanced directory markers in bundle index")
				}
				dirStack = dirStack[:len(dirStack)-1]
			} else {
				dirStack = append(dirStack, name)
			}
			continue
		}

		result[path.Join(append(append([]string{}, dirStack...), name)...)] = entry
	}

	if len(dirStack) != 0 {
		return nil, eris.Errorf("unterminated directory %s in bundle index", strings.Join(dirStack, "/"))
	}

	return result, nil
}
