package transcode

import (
	"sort"
	"strconv"
)

// RawLabel names the rendition that keeps the source resolution.
const RawLabel = "raw"

var standardHeights = []int{360, 480, 720, 1080}

// Ladder is the set of renditions produced for one source.
type Ladder struct {
	Resolutions []int `json:"resolutions"`
	IncludeRaw  bool  `json:"include_raw"`
}

// RenditionLadder maps a source height onto the standard rendition heights
// at or below it. The source itself is kept as a raw rendition unless it
// already matches one of the standard heights.
func RenditionLadder(height int) Ladder {
	ladder := Ladder{Resolutions: []int{}, IncludeRaw: true}
	for _, h := range standardHeights {
		if height >= h {
			ladder.Resolutions = append(ladder.Resolutions, h)
		}
		if height == h {
			ladder.IncludeRaw = false
		}
	}
	return ladder
}

// Labels lists the rendition labels in output order: ascending heights,
// then raw.
func (l Ladder) Labels() []string {
	labels := make([]string, 0, len(l.Resolutions)+1)
	for _, h := range l.Resolutions {
		labels = append(labels, strconv.Itoa(h))
	}
	if l.IncludeRaw {
		labels = append(labels, RawLabel)
	}
	return labels
}

// labelHeight returns the target height for a label, zero for raw.
func labelHeight(label string) (int, bool) {
	if label == RawLabel {
		return 0, true
	}
	h, err := strconv.Atoi(label)
	if err != nil || h <= 0 {
		return 0, false
	}
	return h, true
}

func sortLabels(labels []string) {
	sort.Slice(labels, func(i, j int) bool {
		hi, _ := labelHeight(labels[i])
		hj, _ := labelHeight(labels[j])
		if hi == 0 || hj == 0 {
			return hj == 0 && hi != 0
		}
		return hi < hj
	})
}
