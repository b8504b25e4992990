package sidechannel

import (
	"encoding/json"
	"fmt"

	"github.com/netmeasure/replaycore/mutate"
)

// ParseMutationSpec turns the wire MutationSpec (step 2's
// [packetIndex, action, params] triple) into a domain Mutation. An
// empty action name ("" or "None") means the test carries no
// mutation. Both the server (to mutate a scripted response) and the
// replay client (to mutate its own scripted request at the same
// packet index) decode the spec this same way.
func ParseMutationSpec(spec MutationSpec) (*Mutation, error) {
	if spec.Action == "" || spec.Action == "None" {
		return nil, nil
	}

	action := mutate.Action{Name: spec.Action}
	switch spec.Action {
	case "Random":
		action.Kind = mutate.Random
	case "Invert":
		action.Kind = mutate.Invert
	case "Delete":
		action.Kind = mutate.Delete
	case "Prepend":
		action.Kind = mutate.Prepend
		if len(spec.Params) != 2 {
			return nil, fmt.Errorf("sidechannel: Prepend needs [count, length], got %d params", len(spec.Params))
		}
		if err := json.Unmarshal(spec.Params[0], &action.Count); err != nil {
			return nil, fmt.Errorf("sidechannel: Prepend count: %w", err)
		}
		if err := json.Unmarshal(spec.Params[1], &action.Length); err != nil {
			return nil, fmt.Errorf("sidechannel: Prepend length: %w", err)
		}
	case "ReplaceR", "ReplaceI":
		if spec.Action == "ReplaceR" {
			action.Kind = mutate.ReplaceR
		} else {
			action.Kind = mutate.ReplaceI
		}
		regions, err := parseRegions(spec.Params)
		if err != nil {
			return nil, err
		}
		action.Regions = regions
	case "ReplaceW":
		action.Kind = mutate.ReplaceW
		if len(spec.Params) < 1 {
			return nil, fmt.Errorf("sidechannel: ReplaceW needs regions and text")
		}
		regions, err := parseRegions(spec.Params[:len(spec.Params)-1])
		if err != nil {
			return nil, err
		}
		action.Regions = regions
		var text string
		if err := json.Unmarshal(spec.Params[len(spec.Params)-1], &text); err != nil {
			return nil, fmt.Errorf("sidechannel: ReplaceW text: %w", err)
		}
		action.Text = []byte(text)
	default:
		return nil, fmt.Errorf("sidechannel: unrecognized mutation action %q", spec.Action)
	}

	return &Mutation{PacketIndex: spec.PacketIndex, Action: action}, nil
}

func parseRegions(raw []json.RawMessage) ([]mutate.Region, error) {
	regions := make([]mutate.Region, 0, len(raw))
	for _, r := range raw {
		var pair [2]int
		if err := json.Unmarshal(r, &pair); err != nil {
			return nil, fmt.Errorf("sidechannel: region: %w", err)
		}
		regions = append(regions, mutate.Region{L: pair[0], R: pair[1]})
	}
	return regions, nil
}
