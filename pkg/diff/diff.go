package diff

import (
	"sort"

	"github.com/xucaiyong/flocker/pkg/errdefs"
	"github.com/xucaiyong/flocker/pkg/types"
)

// Kind tags the variant of an Action.
type Kind string

const (
	KindCreate         Kind = "create"
	KindDelete         Kind = "delete"
	KindResize         Kind = "resize"
	KindHandoffSend    Kind = "handoff-send"
	KindHandoffReceive Kind = "handoff-receive"
)

// Action is a single remedial operation scoped to the local node. Requires
// lists the IDs of actions that must succeed before this one may run; the
// executor enforces the resulting happens-before edges, the diff engine only
// declares them.
type Action struct {
	ID      string
	Kind    Kind
	Dataset types.Dataset
	// Peer is the remote node involved in a handoff: the destination for
	// sends, the source for receives. Empty for local-only actions.
	Peer     string
	Requires []string
}

// Plan is the ordered action sequence for one convergence cycle, plus any
// state conflicts that blocked planning for their datasets.
type Plan struct {
	Actions   []Action
	Conflicts []*errdefs.StateConflictError
}

// Empty reports whether the plan contains no actions and no conflicts.
func (p Plan) Empty() bool {
	return len(p.Actions) == 0 && len(p.Conflicts) == 0
}

func actionID(kind Kind, datasetID string) string {
	return string(kind) + "/" + datasetID
}

// Calculate computes the action plan that converges the local node's observed
// state toward the desired configuration. It is pure and deterministic:
// datasets are processed in ascending dataset-ID order, so the same inputs
// always produce the same plan.
//
// Safety rules enforced here, not in the executor:
//
//   - a dataset's deletion from a vacating node depends on the handoff send
//     completing first (copy-before-delete);
//   - a dataset marked for deletion is deleted outright, never handed off;
//   - a dataset observed as primary on two nodes yields a StateConflict and
//     no destructive action at all.
func Calculate(config types.Configuration, state types.ClusterState, localNode string) Plan {
	desired := make(map[string]types.Manifestation)
	for _, m := range config.OnNode(localNode) {
		desired[m.Dataset.ID] = m
	}
	local := make(map[string]types.Manifestation)
	for _, m := range state.OnNode(localNode) {
		local[m.Dataset.ID] = m
	}

	// Every dataset this node has any stake in, ascending ID order.
	seen := make(map[string]bool)
	var datasetIDs []string
	for id := range desired {
		if !seen[id] {
			seen[id] = true
			datasetIDs = append(datasetIDs, id)
		}
	}
	for id := range local {
		if !seen[id] {
			seen[id] = true
			datasetIDs = append(datasetIDs, id)
		}
	}
	sort.Strings(datasetIDs)

	var plan Plan
	for _, id := range datasetIDs {
		// Split-brain: more than one node reports a primary manifestation.
		// Report and refuse to plan anything destructive for this dataset.
		if primaries := state.PrimaryNodes(id); len(primaries) > 1 {
			plan.Conflicts = append(plan.Conflicts, &errdefs.StateConflictError{
				DatasetID: id,
				Nodes:     primaries,
			})
			continue
		}

		wanted, isDesired := desired[id]
		present, isPresent := local[id]
		deleted := isDesired && wanted.Deleted || config.DatasetDeleted(id)

		switch {
		case isPresent && deleted:
			// Deletion wins over any pending handoff of the same dataset.
			plan.Actions = append(plan.Actions, Action{
				ID:      actionID(KindDelete, id),
				Kind:    KindDelete,
				Dataset: present.Dataset,
			})

		case isPresent && !isDesired:
			dest := config.DesiredNode(id)
			if dest != "" && dest != localNode && present.Primary {
				// The dataset moved to another node: push it there and only
				// delete the local copy once the destination acknowledged
				// receipt. The dependency edge is what keeps at least one
				// copy alive at every point of the handoff.
				send := Action{
					ID:      actionID(KindHandoffSend, id),
					Kind:    KindHandoffSend,
					Dataset: present.Dataset,
					Peer:    dest,
				}
				plan.Actions = append(plan.Actions, send, Action{
					ID:       actionID(KindDelete, id),
					Kind:     KindDelete,
					Dataset:  present.Dataset,
					Requires: []string{send.ID},
				})
			} else {
				plan.Actions = append(plan.Actions, Action{
					ID:      actionID(KindDelete, id),
					Kind:    KindDelete,
					Dataset: present.Dataset,
				})
			}

		case !isPresent && isDesired && !deleted:
			if source := primaryElsewhere(state, id, localNode); source != "" {
				// The dataset exists on another node: never blind-create a
				// second copy, wait for the source's push instead.
				plan.Actions = append(plan.Actions, Action{
					ID:      actionID(KindHandoffReceive, id),
					Kind:    KindHandoffReceive,
					Dataset: wanted.Dataset,
					Peer:    source,
				})
			} else {
				plan.Actions = append(plan.Actions, Action{
					ID:      actionID(KindCreate, id),
					Kind:    KindCreate,
					Dataset: wanted.Dataset,
				})
			}

		case isPresent && isDesired:
			if wanted.Dataset.MaximumSize != present.Dataset.MaximumSize {
				plan.Actions = append(plan.Actions, Action{
					ID:      actionID(KindResize, id),
					Kind:    KindResize,
					Dataset: wanted.Dataset,
				})
			}
		}
	}
	return plan
}

// primaryElsewhere returns the node holding the dataset's primary
// manifestation if it is some node other than localNode, or "".
func primaryElsewhere(state types.ClusterState, datasetID, localNode string) string {
	for _, node := range state.PrimaryNodes(datasetID) {
		if node != localNode {
			return node
		}
	}
	return ""
}
