package store

// item is a node of the intrusive recency list; head is the most recently used.
type item struct {
	entry  Entry
	pinned bool

	prev *item
	next *item
}

type lruList struct {
	head *item
	tail *item
}

// moveToHead moves an item to the head of the list
func (l *lruList) moveToHead(it *item) {
	if it == l.head {
		return
	}
	l.unlink(it)
	l.addToHead(it)
}

// addToHead adds an item to the head of the list
func (l *lruList) addToHead(it *item) {
	it.prev = nil
	it.next = l.head

	if l.head != nil {
		l.head.prev = it
	}
	l.head = it

	if l.tail == nil {
		l.tail = it
	}
}

func (l *lruList) unlink(it *item) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		l.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		l.tail = it.prev
	}
	it.prev = nil
	it.next = nil
}

// victim picks the least recently used unpinned item, falling back to the tail.
func (l *lruList) victim() *item {
	for it := l.tail; it != nil; it = it.prev {
		if !it.pinned {
			return it
		}
	}
	return l.tail
}
