package fusion

import "encoding/json"

// #region weighted

// mergeWeighted blends numeric keys as Σ v·w·c / Σ w·c across modalities and
// takes any other value from the highest-ranked modality carrying the key.
func mergeWeighted(ranked []ModalityScore) map[string]any {
	type acc struct {
		sum, weight float64
		first       float64
	}
	numeric := map[string]*acc{}
	out := map[string]any{}

	for _, s := range ranked {
		for k, v := range s.Best.Payload {
			if f, ok := toFloat(v); ok {
				if _, taken := out[k]; taken {
					if _, isNum := numeric[k]; !isNum {
						continue
					}
				}
				a, seen := numeric[k]
				if !seen {
					a = &acc{first: f}
					numeric[k] = a
					out[k] = f
				}
				w := s.Weight * s.Best.Confidence
				a.sum += f * w
				a.weight += w
				continue
			}
			if _, taken := out[k]; !taken {
				out[k] = v
			}
		}
	}
	for k, a := range numeric {
		if a.weight > 0 {
			out[k] = a.sum / a.weight
		} else {
			out[k] = a.first
		}
	}
	return out
}

// #endregion weighted

// #region concatenate

// mergeConcatenate keeps every observation's payload under its modality,
// in collection order.
func mergeConcatenate(ranked []ModalityScore) map[string]any {
	out := make(map[string]any, len(ranked))
	for _, s := range ranked {
		payloads := make([]map[string]any, 0, len(s.All))
		for _, o := range s.All {
			payloads = append(payloads, copyPayload(o.Payload))
		}
		out[string(s.Modality)] = payloads
	}
	return out
}

// #endregion concatenate

// #region priority-only

// mergePriorityOnly keeps only the dominant modality's best payload.
func mergePriorityOnly(ranked []ModalityScore) map[string]any {
	return copyPayload(ranked[0].Best.Payload)
}

// #endregion priority-only

// #region helpers
func copyPayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// #endregion helpers
