package ledger

// ApprovalGraph maps a transaction id to the ids of the transactions that cite
// it, either as a selected tip or as a dependency. The transitive closure of
// this relation gives the cumulative approval weight of a transaction.
type ApprovalGraph struct {
	approvers map[string][]string
	approved  map[string][]string // reverse index, used to detach
}

// NewApprovalGraph ...
func NewApprovalGraph() *ApprovalGraph {
	return &ApprovalGraph{
		approvers: make(map[string][]string),
		approved:  make(map[string][]string),
	}
}

// Approve records that approver cites tip. Repeated calls are no-ops.
func (g *ApprovalGraph) Approve(tip, approver string) {
	for _, a := range g.approvers[tip] {
		if a == approver {
			return
		}
	}
	g.approvers[tip] = append(g.approvers[tip], approver)
	g.approved[approver] = append(g.approved[approver], tip)
}

// Approvers returns the direct approvers of id.
func (g *ApprovalGraph) Approvers(id string) []string {
	res := make([]string, len(g.approvers[id]))
	copy(res, g.approvers[id])
	return res
}

// Subsequent returns every transaction that directly or indirectly approves
// id, each listed once. id itself is never included.
func (g *ApprovalGraph) Subsequent(id string) []string {
	visited := map[string]bool{id: true}
	res := []string{}
	stack := append([]string{}, g.approvers[id]...)

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[cur] {
			continue
		}
		visited[cur] = true
		res = append(res, cur)

		stack = append(stack, g.approvers[cur]...)
	}

	return res
}

// Forget removes approver from the approver lists of everything it cited.
// It must not itself have approvers.
func (g *ApprovalGraph) Forget(approver string) {
	for _, tip := range g.approved[approver] {
		list := g.approvers[tip]
		for i, a := range list {
			if a == approver {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(g.approvers, tip)
		} else {
			g.approvers[tip] = list
		}
	}
	delete(g.approved, approver)
	delete(g.approvers, approver)
}
