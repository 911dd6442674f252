/*
Package diff computes the ordered action plan that converges one node's
observed state toward the cluster's desired configuration.

Calculate is a pure function of three inputs: the desired Configuration
snapshot, the observed ClusterState snapshot, and the local node's identity.
It blocks nowhere, touches no storage, and given equal inputs always returns
an identical plan (datasets are processed in ascending dataset-ID order).
All ordering constraints between actions are expressed as explicit Requires
edges inside the plan; the executor enforces them but never invents them.

The planning rules, in precedence order for each dataset:

 1. Two observed primaries (split-brain) → StateConflict, no actions.
 2. Configured deletion → Delete, even if a handoff was otherwise pending.
 3. Present here, primary desired elsewhere → HandoffSend then a Delete that
    Requires the send (copy-before-delete).
 4. Desired here, primary exists elsewhere → HandoffReceive (await the
    source's push; never blind-create a second copy).
 5. Desired here, exists nowhere → Create.
 6. Present and desired here with differing size → Resize.
*/
package diff
