package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	idxImagesMagic = 0x00000803
	idxLabelsMagic = 0x00000801
)

// LoadMNIST reads an IDX image file and its label file. Either may be gzip
// compressed, detected by a ".gz" suffix. Pixels are scaled to [0, 1].
func LoadMNIST(imagesPath, labelsPath string) (*Dataset, error) {
	images, dim, err := readIDXImages(imagesPath)
	if err != nil {
		return nil, err
	}
	labels, err := readIDXLabels(labelsPath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 10)
	for i := range names {
		names[i] = fmt.Sprintf("%d", i)
	}
	return New(images, labels, 1, dim, names)
}

// LoadMNISTDir loads the "train" or "t10k" split from a directory holding the
// standard file names, compressed or not.
func LoadMNISTDir(dir, split string) (*Dataset, error) {
	images, err := findIDX(dir, split+"-images-idx3-ubyte")
	if err != nil {
		return nil, err
	}
	labels, err := findIDX(dir, split+"-labels-idx1-ubyte")
	if err != nil {
		return nil, err
	}
	return LoadMNIST(images, labels)
}

func findIDX(dir, base string) (string, error) {
	for _, name := range []string{base, base + ".gz"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s not found in %s", base, dir)
}

func openIDX(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read gzip header of %s: %w", path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{gz, f}, nil
}

func readIDXImages(path string) ([]float64, int, error) {
	rc, err := openIDX(path)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()
	r := bufio.NewReader(rc)

	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, 0, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if header[0] != idxImagesMagic {
		return nil, 0, fmt.Errorf("%s: bad magic %#x, expected %#x", path, header[0], idxImagesMagic)
	}
	n, rows, cols := int(header[1]), int(header[2]), int(header[3])
	if rows != cols {
		return nil, 0, fmt.Errorf("%s: images are %dx%d, expected square", path, rows, cols)
	}

	raw := make([]byte, n*rows*cols)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, 0, fmt.Errorf("failed to read pixels of %s: %w", path, err)
	}
	pixels := make([]float64, len(raw))
	for i, b := range raw {
		pixels[i] = float64(b) / 255.0
	}
	return pixels, rows, nil
}

func readIDXLabels(path string) ([]int, error) {
	rc, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	r := bufio.NewReader(rc)

	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	if header[0] != idxLabelsMagic {
		return nil, fmt.Errorf("%s: bad magic %#x, expected %#x", path, header[0], idxLabelsMagic)
	}
	raw := make([]byte, header[1])
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read labels of %s: %w", path, err)
	}
	labels := make([]int, len(raw))
	for i, b := range raw {
		labels[i] = int(b)
	}
	return labels, nil
}

// WriteIDX writes d as an IDX image/label file pair, uncompressed. Pixels are
// quantized to bytes. Only single-channel datasets can be written.
func WriteIDX(d *Dataset, imagesPath, labelsPath string) error {
	if d.Channels != 1 {
		return fmt.Errorf("IDX holds single-channel images, dataset has %d channels", d.Channels)
	}

	img := make([]byte, 0, 16+len(d.Images))
	img = binary.BigEndian.AppendUint32(img, idxImagesMagic)
	img = binary.BigEndian.AppendUint32(img, uint32(d.Len()))
	img = binary.BigEndian.AppendUint32(img, uint32(d.Dim))
	img = binary.BigEndian.AppendUint32(img, uint32(d.Dim))
	for _, v := range d.Images {
		img = append(img, byte(clamp01(v)*255+0.5))
	}
	if err := os.WriteFile(imagesPath, img, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", imagesPath, err)
	}

	lbl := make([]byte, 0, 8+d.Len())
	lbl = binary.BigEndian.AppendUint32(lbl, idxLabelsMagic)
	lbl = binary.BigEndian.AppendUint32(lbl, uint32(d.Len()))
	for _, l := range d.Labels {
		lbl = append(lbl, byte(l))
	}
	if err := os.WriteFile(labelsPath, lbl, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", labelsPath, err)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
