package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var defaultExtensions = []string{".jpg", ".jpeg", ".png"}

type folderItem struct {
	path  string
	label int
}

// ImageFolderDataset reads a root/<class>/<image> tree. Labels follow the
// sorted class directory names; images within a class are sorted by path.
type ImageFolderDataset struct {
	items   []folderItem
	classes []string
}

// NewImageFolderDataset scans root. Extensions are matched case-insensitively;
// nil selects jpg, jpeg and png.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}
	accept := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		accept[strings.ToLower(ext)] = true
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	d := &ImageFolderDataset{}
	for _, dir := range dirs { // ReadDir sorts by name
		if !dir.IsDir() {
			continue
		}
		label := len(d.classes)
		d.classes = append(d.classes, dir.Name())

		files, err := os.ReadDir(filepath.Join(root, dir.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list class %s: %w", dir.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || !accept[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			d.items = append(d.items, folderItem{path: filepath.Join(root, dir.Name(), f.Name()), label: label})
		}
	}

	if len(d.items) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return d, nil
}

func (d *ImageFolderDataset) Len() int { return len(d.items) }

// GetItem returns the image path and label at index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.items) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.items))
	}
	it := d.items[index]
	return it.path, it.label, nil
}

func (d *ImageFolderDataset) NumClasses() int { return len(d.classes) }

func (d *ImageFolderDataset) ClassNames() []string { return d.classes }

// ClassDistribution counts the samples of every class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classes))
	for _, it := range d.items {
		dist[d.classes[it.label]]++
	}
	return dist
}

// Split returns the first trainRatio of the samples and the rest. A nil rng
// keeps directory order.
func (d *ImageFolderDataset) Split(trainRatio float64, rng *rand.Rand) (*ImageFolderDataset, *ImageFolderDataset) {
	order := make([]int, len(d.items))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	cut := int(float64(len(order)) * trainRatio)
	return d.Subset(order[:cut]), d.Subset(order[cut:])
}

// Subset selects indices, keeping the class list
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	sub := &ImageFolderDataset{items: make([]folderItem, len(indices)), classes: d.classes}
	for i, idx := range indices {
		sub.items[i] = d.items[idx]
	}
	return sub
}

func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolderDataset: %d samples, %d classes\n", len(d.items), len(d.classes))
	dist := d.ClassDistribution()
	names := append([]string(nil), d.classes...)
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, "  %s: %d samples\n", name, dist[name])
	}
	return sb.String()
}
