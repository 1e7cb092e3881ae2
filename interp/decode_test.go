package interp

import (
	"errors"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Scripted stream
// A stream of cells standing in for serialized bytes: root reference
// cells first, then per record a tag cell, a body cell, and one
// reference cell per outgoing edge.
// ---------------------------------------------------------------------------

type scriptRecord struct {
	kind Kind
	inst Instance
	item ItemID
	refs []uint32 // record indexes resolved while decoding the body
}

type scriptCell struct {
	tag  bool
	body bool
	rec  int
	ref  uint32
}

type scriptStream struct {
	recs    []scriptRecord
	cells   []scriptCell
	offsets []uint32
	roots   []int // cell position of each root reference
}

func newScriptStream(roots []uint32, recs []scriptRecord) *scriptStream {
	s := &scriptStream{recs: recs}
	for _, r := range roots {
		s.roots = append(s.roots, len(s.cells))
		s.cells = append(s.cells, scriptCell{ref: r})
	}
	for i, rec := range recs {
		s.offsets = append(s.offsets, uint32(len(s.cells)))
		s.cells = append(s.cells, scriptCell{tag: true, rec: i})
		s.cells = append(s.cells, scriptCell{body: true, rec: i})
		for _, ref := range rec.refs {
			s.cells = append(s.cells, scriptCell{rec: i, ref: ref})
		}
	}
	return s
}

// scriptDecoder implements AllocDecoder over a scriptStream. Each one
// has its own cursor and session; the stream, slot table and registry
// are shared. Memory bodies decode to the list of resolved referent
// ids, which is what the cycle tests inspect.
type scriptDecoder struct {
	stream  *scriptStream
	reg     *AllocMap[[]AllocID]
	session DecodingSession
	pos     int
}

func (d *scriptDecoder) ReadAllocIndex() (uint32, error) {
	c := d.stream.cells[d.pos]
	if c.tag || c.body {
		return 0, errors.New("script: not a reference cell")
	}
	d.pos++
	return c.ref, nil
}

func (d *scriptDecoder) Position() int       { return d.pos }
func (d *scriptDecoder) SetPosition(pos int) { d.pos = pos }

func (d *scriptDecoder) ReadKind() (Kind, error) {
	c := d.stream.cells[d.pos]
	if !c.tag {
		return 0, errors.New("script: not a tag cell")
	}
	d.pos++
	return d.stream.recs[c.rec].kind, nil
}

func (d *scriptDecoder) ReserveMemoryID() AllocID {
	return d.reg.Reserve()
}

func (d *scriptDecoder) DecodeMemory(id AllocID) error {
	c := d.stream.cells[d.pos]
	if !c.body {
		return errors.New("script: not a body cell")
	}
	d.pos++
	rec := d.stream.recs[c.rec]
	refs := make([]AllocID, 0, len(rec.refs))
	for range rec.refs {
		rid, err := d.session.DecodeAllocID(d)
		if err != nil {
			return err
		}
		refs = append(refs, rid)
	}
	d.reg.SetSameMemory(id, refs)
	return nil
}

func (d *scriptDecoder) DecodeFunction() (AllocID, error) {
	c := d.stream.cells[d.pos]
	d.pos++
	rec := d.stream.recs[c.rec]
	for range rec.refs {
		if _, err := d.session.DecodeAllocID(d); err != nil {
			return 0, err
		}
	}
	return d.reg.InternFunction(rec.inst), nil
}

func (d *scriptDecoder) DecodeStatic() (AllocID, error) {
	c := d.stream.cells[d.pos]
	d.pos++
	return d.reg.InternStatic(d.stream.recs[c.rec].item), nil
}

// decodeRoot decodes one root reference with a fresh session.
func decodeRoot(st *scriptStream, state *AllocDecodingState, reg *AllocMap[[]AllocID], root int) (AllocID, error) {
	d := &scriptDecoder{stream: st, reg: reg, session: state.NewSession(), pos: st.roots[root]}
	return d.session.DecodeAllocID(d)
}

// ---------------------------------------------------------------------------
// Decoding Tests
// ---------------------------------------------------------------------------

func TestDecodeCycle(t *testing.T) {
	// Two memory records referencing each other.
	st := newScriptStream([]uint32{0}, []scriptRecord{
		{kind: KindMemory, refs: []uint32{1}},
		{kind: KindMemory, refs: []uint32{0}},
	})
	state := NewAllocDecodingState(st.offsets)
	reg := NewAllocMap[[]AllocID]()

	a, err := decodeRoot(st, state, reg, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	aRefs := reg.MustMemory(a)
	if len(aRefs) != 1 {
		t.Fatalf("record 0 has %d refs, want 1", len(aRefs))
	}
	b := aRefs[0]
	if b == a {
		t.Fatalf("both records decoded to %v", a)
	}
	bRefs := reg.MustMemory(b)
	if len(bRefs) != 1 || bRefs[0] != a {
		t.Errorf("record 1 refs = %v, want [%v]", bRefs, a)
	}
	if reg.Len() != 2 {
		t.Errorf("registry holds %d allocations, want 2", reg.Len())
	}

	// A later decode of the same root sees the finished slot.
	again, err := decodeRoot(st, state, reg, 0)
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if again != a {
		t.Errorf("second decode = %v, want %v", again, a)
	}
	if reg.Len() != 2 {
		t.Errorf("registry grew to %d on a finished slot", reg.Len())
	}
}

func TestDecodeSelfCycle(t *testing.T) {
	st := newScriptStream([]uint32{0}, []scriptRecord{
		{kind: KindMemory, refs: []uint32{0}},
	})
	state := NewAllocDecodingState(st.offsets)
	reg := NewAllocMap[[]AllocID]()

	id, err := decodeRoot(st, state, reg, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	refs := reg.MustMemory(id)
	if len(refs) != 1 || refs[0] != id {
		t.Errorf("self-referential record refs = %v, want [%v]", refs, id)
	}
}

func TestDecodeSameSessionTwice(t *testing.T) {
	// The same record referenced from two roots, decoded by one session.
	st := newScriptStream([]uint32{0, 0}, []scriptRecord{
		{kind: KindMemory},
	})
	state := NewAllocDecodingState(st.offsets)
	reg := NewAllocMap[[]AllocID]()

	d := &scriptDecoder{stream: st, reg: reg, session: state.NewSession(), pos: st.roots[0]}
	first, err := d.session.DecodeAllocID(d)
	if err != nil {
		t.Fatalf("first decode: %v", err)
	}

	d.SetPosition(st.roots[1])
	second, err := d.session.DecodeAllocID(d)
	if err != nil {
		t.Fatalf("second decode: %v", err)
	}
	if second != first {
		t.Errorf("same reference decoded to %v then %v", first, second)
	}
	if reg.Len() != 1 {
		t.Errorf("registry holds %d allocations, want 1", reg.Len())
	}
}

func TestDecodeSharedDiamond(t *testing.T) {
	// 0 -> {1, 2}, 1 -> 3, 2 -> 3: both arms must agree on record 3.
	st := newScriptStream([]uint32{0}, []scriptRecord{
		{kind: KindMemory, refs: []uint32{1, 2}},
		{kind: KindMemory, refs: []uint32{3}},
		{kind: KindMemory, refs: []uint32{3}},
		{kind: KindStatic, item: ItemID{Unit: 1, Index: 4}},
	})
	state := NewAllocDecodingState(st.offsets)
	reg := NewAllocMap[[]AllocID]()

	top, err := decodeRoot(st, state, reg, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	arms := reg.MustMemory(top)
	if len(arms) != 2 {
		t.Fatalf("top refs = %v, want two arms", arms)
	}
	left := reg.MustMemory(arms[0])
	right := reg.MustMemory(arms[1])
	if len(left) != 1 || len(right) != 1 || left[0] != right[0] {
		t.Errorf("arms disagree on the shared record: %v vs %v", left, right)
	}
	at, ok := reg.Get(left[0])
	if !ok || at.Kind != KindStatic {
		t.Errorf("shared record = %v/%v, want a static", at, ok)
	}
	if reg.Len() != 4 {
		t.Errorf("registry holds %d allocations, want 4", reg.Len())
	}
}

func TestDecodeFnAndStaticAcrossSessions(t *testing.T) {
	st := newScriptStream([]uint32{0, 1, 0, 1}, []scriptRecord{
		{kind: KindFunction, inst: Instance{Item: ItemID{Unit: 2, Index: 8}}},
		{kind: KindStatic, item: ItemID{Unit: 2, Index: 9}},
	})
	state := NewAllocDecodingState(st.offsets)
	reg := NewAllocMap[[]AllocID]()

	fn1, err := decodeRoot(st, state, reg, 0)
	if err != nil {
		t.Fatalf("decode fn: %v", err)
	}
	stat1, err := decodeRoot(st, state, reg, 1)
	if err != nil {
		t.Fatalf("decode static: %v", err)
	}
	fn2, _ := decodeRoot(st, state, reg, 2)
	stat2, _ := decodeRoot(st, state, reg, 3)

	if fn1 != fn2 {
		t.Errorf("fn decoded to %v then %v across sessions", fn1, fn2)
	}
	if stat1 != stat2 {
		t.Errorf("static decoded to %v then %v across sessions", stat1, stat2)
	}
	if fn1 == stat1 {
		t.Error("fn and static share an id")
	}
	if reg.Len() != 2 {
		t.Errorf("registry holds %d allocations, want 2", reg.Len())
	}
}

func TestDecodeFunctionSelfReentryPanics(t *testing.T) {
	// A function record whose body references itself. Unlike memory
	// there is no reserved id to hand back, so this is a malformed
	// stream the decoder refuses by panicking.
	st := newScriptStream([]uint32{0}, []scriptRecord{
		{kind: KindFunction, inst: Instance{Item: ItemID{Unit: 1, Index: 1}}, refs: []uint32{0}},
	})
	state := NewAllocDecodingState(st.offsets)
	reg := NewAllocMap[[]AllocID]()

	defer func() {
		if recover() == nil {
			t.Error("self-referential fn record did not panic")
		}
	}()
	decodeRoot(st, state, reg, 0)
}

func TestDecodeInvalidIndex(t *testing.T) {
	st := newScriptStream([]uint32{5}, []scriptRecord{
		{kind: KindMemory},
	})
	state := NewAllocDecodingState(st.offsets)
	reg := NewAllocMap[[]AllocID]()

	_, err := decodeRoot(st, state, reg, 0)
	if !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("err = %v, want ErrInvalidIndex", err)
	}
}

func TestDecodeRestoresPosition(t *testing.T) {
	st := newScriptStream([]uint32{0, 0}, []scriptRecord{
		{kind: KindMemory},
	})
	state := NewAllocDecodingState(st.offsets)
	reg := NewAllocMap[[]AllocID]()

	d := &scriptDecoder{stream: st, reg: reg, session: state.NewSession(), pos: st.roots[0]}
	if _, err := d.session.DecodeAllocID(d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Position() != st.roots[0]+1 {
		t.Errorf("position = %d after decode, want %d", d.Position(), st.roots[0]+1)
	}

	// The finished-slot path restores the position too.
	d.SetPosition(st.roots[1])
	if _, err := d.session.DecodeAllocID(d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Position() != st.roots[1]+1 {
		t.Errorf("position = %d after finished-slot decode, want %d", d.Position(), st.roots[1]+1)
	}
}

func TestDecodeBodyErrorIsStable(t *testing.T) {
	// Record 0 references record 9, which does not exist. The failed
	// slot stays in progress; retries fail the same way instead of
	// hanging or corrupting the registry.
	st := newScriptStream([]uint32{0}, []scriptRecord{
		{kind: KindMemory, refs: []uint32{9}},
	})
	state := NewAllocDecodingState(st.offsets)
	reg := NewAllocMap[[]AllocID]()

	_, err := decodeRoot(st, state, reg, 0)
	if !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("first decode err = %v, want ErrInvalidIndex", err)
	}
	_, err = decodeRoot(st, state, reg, 0)
	if !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("second decode err = %v, want ErrInvalidIndex", err)
	}
	if reg.Len() != 0 {
		t.Errorf("registry holds %d allocations after failed decodes, want 0", reg.Len())
	}
}

func TestSessionIDsNonZero(t *testing.T) {
	state := NewAllocDecodingState(nil)
	for i := 0; i < 1000; i++ {
		if s := state.NewSession(); s.id == 0 {
			t.Fatal("session id 0 issued")
		}
	}
}

// ---------------------------------------------------------------------------
// Race Condition Tests
// Run with: go test -race ./interp/...
// ---------------------------------------------------------------------------

func TestDecodeConcurrentSessions(t *testing.T) {
	const numGoroutines = 16

	// Memory cycle plus interned leaves, all behind one root.
	st := newScriptStream([]uint32{0}, []scriptRecord{
		{kind: KindMemory, refs: []uint32{1, 2}},
		{kind: KindMemory, refs: []uint32{0, 3}},
		{kind: KindFunction, inst: Instance{Item: ItemID{Unit: 4, Index: 2}}},
		{kind: KindStatic, item: ItemID{Unit: 4, Index: 3}},
	})
	state := NewAllocDecodingState(st.offsets)
	reg := NewAllocMap[[]AllocID]()

	var wg sync.WaitGroup
	ids := make([]AllocID, numGoroutines)
	errs := make([]error, numGoroutines)

	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ids[g], errs[g] = decodeRoot(st, state, reg, 0)
		}(g)
	}
	wg.Wait()

	for g := 0; g < numGoroutines; g++ {
		if errs[g] != nil {
			t.Fatalf("goroutine %d: %v", g, errs[g])
		}
		if ids[g] != ids[0] {
			t.Fatalf("goroutine %d decoded %v, others %v", g, ids[g], ids[0])
		}
	}

	top := reg.MustMemory(ids[0])
	if len(top) != 2 {
		t.Fatalf("top refs = %v, want 2", top)
	}
	back := reg.MustMemory(top[0])
	if len(back) != 2 || back[0] != ids[0] {
		t.Errorf("cycle back-ref = %v, want first element %v", back, ids[0])
	}
	if at, _ := reg.Get(top[1]); at.Kind != KindFunction {
		t.Errorf("leaf kind = %v, want fn", at.Kind)
	}
	if at, _ := reg.Get(back[1]); at.Kind != KindStatic {
		t.Errorf("leaf kind = %v, want static", at.Kind)
	}
	if reg.Len() != 4 {
		t.Errorf("registry holds %d allocations, want 4", reg.Len())
	}
}
