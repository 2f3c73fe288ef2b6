package interest

// Replicable is an object the interest graph can route.
type Replicable interface {
	comparable
	// ReplicationGroup returns the object's declared group, or nil.
	ReplicationGroup() *Group
}

// Node is one element of a group's query tree. C is the querying client, O
// the routed object. Query, Spawn and Despawn are the node's own hooks;
// use the package functions QueryFor, HandleSpawn and HandleDespawn to walk
// a whole subtree.
type Node[C any, O comparable] interface {
	Query(client C, results Set[O])
	Spawn(obj O)
	Despawn(obj O)

	AddCandidate(obj O)
	RemoveCandidate(obj O)
	Candidates() Set[O]

	Children() []Node[C, O]
	// AddChild appends child. Callers must not attach a node beneath
	// itself; cycles are not detected.
	AddChild(child Node[C, O])
}

// QueryFor runs node's query hook, then each child's subtree in insertion
// order.
func QueryFor[C any, O comparable](node Node[C, O], client C, results Set[O]) {
	node.Query(client, results)
	for _, child := range node.Children() {
		QueryFor(child, client, results)
	}
}

// HandleSpawn runs the spawn hook pre-order over node's subtree.
func HandleSpawn[C any, O comparable](node Node[C, O], obj O) {
	node.Spawn(obj)
	for _, child := range node.Children() {
		HandleSpawn(child, obj)
	}
}

// HandleDespawn runs the despawn hook pre-order over node's subtree.
func HandleDespawn[C any, O comparable](node Node[C, O], obj O) {
	node.Despawn(obj)
	for _, child := range node.Children() {
		HandleDespawn(child, obj)
	}
}

// tree holds the candidate set and child list shared by the node kinds in
// this package.
type tree[C any, O comparable] struct {
	candidates Set[O]
	children   []Node[C, O]
}

func (t *tree[C, O]) AddCandidate(obj O) {
	if t.candidates == nil {
		t.candidates = make(Set[O])
	}
	t.candidates.Add(obj)
}

func (t *tree[C, O]) RemoveCandidate(obj O) {
	t.candidates.Remove(obj)
}

func (t *tree[C, O]) Candidates() Set[O] {
	return t.candidates
}

func (t *tree[C, O]) Children() []Node[C, O] {
	return t.children
}

func (t *tree[C, O]) AddChild(child Node[C, O]) {
	if child == nil {
		return
	}
	t.children = append(t.children, child)
}

// FuncNode delegates each hook to an optional callback. A FuncNode with no
// callbacks contributes nothing but its children still run.
type FuncNode[C any, O comparable] struct {
	tree[C, O]

	// OnQuery receives the node's candidates and appends relevant ones to
	// results.
	OnQuery   func(client C, candidates Set[O], results Set[O])
	OnSpawn   func(obj O)
	OnDespawn func(obj O)
}

func (n *FuncNode[C, O]) Query(client C, results Set[O]) {
	if n.OnQuery != nil {
		n.OnQuery(client, n.candidates, results)
	}
}

func (n *FuncNode[C, O]) Spawn(obj O) {
	if n.OnSpawn != nil {
		n.OnSpawn(obj)
	}
}

func (n *FuncNode[C, O]) Despawn(obj O) {
	if n.OnDespawn != nil {
		n.OnDespawn(obj)
	}
}

// StaticNode makes every object spawned through it relevant to every client.
type StaticNode[C any, O comparable] struct {
	tree[C, O]
}

func NewStaticNode[C any, O comparable]() *StaticNode[C, O] {
	return &StaticNode[C, O]{}
}

func (n *StaticNode[C, O]) Query(_ C, results Set[O]) {
	results.Union(n.candidates)
}

func (n *StaticNode[C, O]) Spawn(obj O) {
	n.AddCandidate(obj)
}

func (n *StaticNode[C, O]) Despawn(obj O) {
	n.RemoveCandidate(obj)
}

// RadiusNode makes candidates within Radius of the client's anchor relevant.
// Clients without an anchor and objects without a position match nothing.
type RadiusNode[C any, O comparable] struct {
	tree[C, O]

	Radius   float64
	Anchor   func(client C) (Vec3, bool)
	Position func(obj O) (Vec3, bool)
}

func NewRadiusNode[C any, O comparable](radius float64, anchor func(C) (Vec3, bool), position func(O) (Vec3, bool)) *RadiusNode[C, O] {
	return &RadiusNode[C, O]{Radius: radius, Anchor: anchor, Position: position}
}

func (n *RadiusNode[C, O]) Query(client C, results Set[O]) {
	if n.Anchor == nil || n.Position == nil {
		return
	}
	origin, ok := n.Anchor(client)
	if !ok {
		return
	}
	for obj := range n.candidates {
		pos, ok := n.Position(obj)
		if ok && origin.Distance(pos) <= n.Radius {
			results.Add(obj)
		}
	}
}

func (n *RadiusNode[C, O]) Spawn(obj O) {
	n.AddCandidate(obj)
}

func (n *RadiusNode[C, O]) Despawn(obj O) {
	n.RemoveCandidate(obj)
}
