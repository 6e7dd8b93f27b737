package core

// listLinks is embedded in every type that can sit in a dlist. A node carries
// a single pair of links, so it can be a member of at most one list at a time.
type listLinks[T any] struct {
	prev   T
	next   T
	linked bool
}

// linked is implemented by pointer types that embed listLinks.
type linked[T any] interface {
	comparable
	links() *listLinks[T]
}

// dlist is an intrusive doubly linked list. prev points toward the head,
// next toward the tail. No operation allocates.
type dlist[T linked[T]] struct {
	head T
	tail T
	n    int
}

func (d *dlist[T]) empty() bool {
	var zero T
	return d.head == zero
}

func (d *dlist[T]) len() int { return d.n }

func (d *dlist[T]) front() T { return d.head }

func (d *dlist[T]) linkLast(it T) {
	var zero T
	l := it.links()
	if l.linked {
		panic("dlist: node is already linked")
	}
	l.prev = d.tail
	l.next = zero
	l.linked = true
	if d.tail != zero {
		d.tail.links().next = it
	} else {
		d.head = it
	}
	d.tail = it
	d.n++
}

// linkBefore inserts it directly ahead of before (closer to the head).
// A zero before appends it at the tail.
func (d *dlist[T]) linkBefore(it, before T) {
	var zero T
	if before == zero {
		d.linkLast(it)
		return
	}
	l := it.links()
	if l.linked {
		panic("dlist: node is already linked")
	}
	bl := before.links()
	l.next = before
	l.prev = bl.prev
	l.linked = true
	if bl.prev != zero {
		bl.prev.links().next = it
	} else {
		d.head = it
	}
	bl.prev = it
	d.n++
}

func (d *dlist[T]) unlinkFirst() T {
	it := d.head
	var zero T
	if it == zero {
		return zero
	}
	return d.unlink(it)
}

func (d *dlist[T]) unlink(it T) T {
	var zero T
	l := it.links()
	if l.next != zero {
		l.next.links().prev = l.prev
	} else {
		d.tail = l.prev
	}
	if l.prev != zero {
		l.prev.links().next = l.next
	} else {
		d.head = l.next
	}
	l.prev = zero
	l.next = zero
	l.linked = false
	d.n--
	return it
}

// after returns the node following it, toward the tail.
func after[T linked[T]](it T) T {
	return it.links().next
}
