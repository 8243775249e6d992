package engine

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-hdgm/checkpoints"
	"github.com/tsawler/go-hdgm/layers"
)

// exportWeights copies every parameter of store into checkpoint tensors
func exportWeights(store *layers.ParamStore) []checkpoints.WeightTensor {
	out := make([]checkpoints.WeightTensor, 0, store.Len())
	for _, p := range store.Specs() {
		data, _ := store.Data(p.Name)
		layer, kind := splitParamName(p.Name)
		out = append(out, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  copyOf(data),
			Layer: layer,
			Type:  kind,
		})
	}
	return out
}

// importWeights overwrites store from checkpoint tensors. Every parameter of
// the store must be present with a matching shape.
func importWeights(store *layers.ParamStore, weights []checkpoints.WeightTensor) error {
	byName := checkpoints.WeightMap(weights)
	for _, p := range store.Specs() {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("checkpoint is missing parameter %s", p.Name)
		}
		if err := store.Set(p.Name, w.Shape, w.Data); err != nil {
			return errors.Wrap(err, "restoring weights")
		}
	}
	if len(byName) != store.Len() {
		return errors.Errorf("checkpoint has %d parameters, model has %d", len(byName), store.Len())
	}
	return nil
}

// splitParamName turns "qz_mu/W" into ("qz_mu", "weight")
func splitParamName(name string) (string, string) {
	i := strings.LastIndexByte(name, '/')
	if i < 0 {
		return name, ""
	}
	switch name[i+1:] {
	case "W":
		return name[:i], "weight"
	case "b":
		return name[:i], "bias"
	}
	return name[:i], name[i+1:]
}
