package detections

import (
	"bufio"
	"fmt"
	"image/color"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// LoadClassFile reads a text file with one class name per line.
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return classes, nil
}

var namesEntry = regexp.MustCompile(`(\d+)\s*:\s*(?:'([^']*)'|"([^"]*)")`)

// ParseNamesMetadata parses the "names" metadata that YOLO exporters write
// into ONNX files, e.g. {0: 'unripe', 1: 'ripe'}.
func ParseNamesMetadata(s string) ([]string, error) {
	matches := namesEntry.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no class names in %q", s)
	}

	byID := map[int]string{}
	for _, m := range matches {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, err
		}
		name := m[2]
		if name == "" {
			name = m[3]
		}
		byID[id] = name
	}

	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	if ids[0] != 0 || ids[len(ids)-1] != len(ids)-1 {
		return nil, fmt.Errorf("class ids are not contiguous from 0: %v", ids)
	}

	names := make([]string, len(ids))
	for id, name := range byID {
		names[id] = name
	}
	return names, nil
}

func textColorFor(bg color.RGBA) color.Color {
	luma := (299*int(bg.R) + 587*int(bg.G) + 114*int(bg.B)) / 1000
	if luma > 150 {
		return color.Black
	}
	return color.White
}
