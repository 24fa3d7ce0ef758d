package detectionutil

import (
	"cmp"
	"slices"
)

// Box is an axis aligned box in x1, y1, x2, y2 corner format.
type Box [4]float64

// Detection is a single scored and classified box.
type Detection struct {
	Box   Box
	Score float64
	Class int
}

// NMSOptions configures non-max suppression. The zero values of ClassAware and MaxDetections
// give class-agnostic suppression with no limit on kept detections.
type NMSOptions struct {
	IouThreshold  float64
	ConfThreshold float64
	ClassAware    bool
	MaxDetections int
}

func area(b Box) float64 {
	w := b[2] - b[0]
	h := b[3] - b[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU is the intersection over union of a and b. Degenerate boxes have no overlap with anything.
func IoU(a, b Box) float64 {
	areaA, areaB := area(a), area(b)
	if areaA == 0 || areaB == 0 {
		return 0
	}
	intersection := area(Box{max(a[0], b[0]), max(a[1], b[1]), min(a[2], b[2]), min(a[3], b[3])})
	union := areaA + areaB - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// Suppress runs class-agnostic greedy non-max suppression over the detections of one image.
func Suppress(detections []Detection, iouThreshold, confThreshold float64) []Detection {
	return SuppressWithOptions(detections, NMSOptions{IouThreshold: iouThreshold, ConfThreshold: confThreshold})
}

// SuppressWithOptions drops detections scoring below the confidence threshold, then repeatedly keeps
// the highest scoring remaining detection and discards every remaining one overlapping it by more
// than the IoU threshold. Equal scores keep their input order. The input slice is not modified.
func SuppressWithOptions(detections []Detection, opts NMSOptions) []Detection {
	candidates := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Score >= opts.ConfThreshold {
			candidates = append(candidates, d)
		}
	}
	slices.SortStableFunc(candidates, func(a, b Detection) int {
		return cmp.Compare(b.Score, a.Score)
	})

	kept := make([]Detection, 0, len(candidates))
	used := make([]bool, len(candidates))
	for i := range candidates {
		if used[i] {
			continue
		}
		kept = append(kept, candidates[i])
		if opts.MaxDetections > 0 && len(kept) == opts.MaxDetections {
			break
		}
		for j := i + 1; j < len(candidates); j++ {
			if used[j] {
				continue
			}
			if opts.ClassAware && candidates[i].Class != candidates[j].Class {
				continue
			}
			if IoU(candidates[i].Box, candidates[j].Box) > opts.IouThreshold {
				used[j] = true
			}
		}
	}
	return kept
}
