package detectionutil

import (
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/tensorutil"
	"github.com/dnth/deepsparse/util/vectorutil"
)

// MinAttributes is the smallest row width of a raw detection tensor: cx, cy, w, h, objectness and
// at least one class score.
const MinAttributes = 6

// DecodeRows turns a flat block of raw detection rows (cx, cy, w, h, objectness, class scores...)
// into scored corner-format detections. Rows whose objectness is below confThreshold are skipped.
func DecodeRows(rows []float32, numAttrs int, confThreshold float64) []Detection {
	if numAttrs < MinAttributes {
		return nil
	}
	detections := make([]Detection, 0, len(rows)/numAttrs)
	for offset := 0; offset+numAttrs <= len(rows); offset += numAttrs {
		row := rows[offset : offset+numAttrs]
		objectness := float64(row[4])
		if objectness < confThreshold {
			continue
		}
		class, classScore, _ := vectorutil.ArgMax(row[5:])
		cx, cy := float64(row[0]), float64(row[1])
		halfW, halfH := float64(row[2])/2, float64(row[3])/2
		detections = append(detections, Detection{
			Box:   Box{cx - halfW, cy - halfH, cx + halfW, cy + halfH},
			Score: objectness * float64(classScore),
			Class: class,
		})
	}
	return detections
}

// BatchSuppress applies non-max suppression to every image of a raw (N, num_boxes, num_attrs)
// detection tensor. Images are independent; with workers > 1 they are processed concurrently.
func BatchSuppress(raw *tensor.Dense, opts NMSOptions, workers int) ([][]Detection, error) {
	shape := raw.Shape()
	if shape.Dims() != 3 {
		return nil, checks.NewEngineContractError(0, "expected detections of rank 3 (batch, boxes, attributes), got shape %v", shape)
	}
	if shape[2] < MinAttributes {
		return nil, checks.NewEngineContractError(0, "expected at least %d attributes per box, got %d", MinAttributes, shape[2])
	}
	data, err := tensorutil.Float32s(raw)
	if err != nil {
		return nil, checks.NewEngineContractError(0, "%w", err)
	}

	numImages, imageSize := shape[0], shape[1]*shape[2]
	results := make([][]Detection, numImages)
	suppressImage := func(i int) {
		rows := data[i*imageSize : (i+1)*imageSize]
		results[i] = SuppressWithOptions(DecodeRows(rows, shape[2], opts.ConfThreshold), opts)
	}

	if workers <= 1 || numImages <= 1 {
		for i := range numImages {
			suppressImage(i)
		}
		return results, nil
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range numImages {
		g.Go(func() error {
			suppressImage(i)
			return nil
		})
	}
	return results, g.Wait()
}
