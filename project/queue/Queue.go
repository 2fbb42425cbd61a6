package queue

import (
	"container/list"
)

// Queue is a FIFO of received values waiting to be consumed. It is owned by
// a single goroutine and does no locking.
type Queue[T any] struct {
	rows *list.List
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{rows: list.New()}
}

func (q *Queue[T]) Push(data T) {
	q.rows.PushBack(data)
}

// Pop removes the oldest value; ok is false when the queue is empty.
func (q *Queue[T]) Pop() (data T, ok bool) {
	front := q.rows.Front()
	if front == nil {
		return data, false
	}
	q.rows.Remove(front)
	return front.Value.(T), true
}

func (q *Queue[T]) IsEmpty() bool {
	return q.rows.Len() == 0
}

func (q *Queue[T]) Len() int {
	return q.rows.Len()
}

// Clear drops every pending value and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	n := q.rows.Len()
	q.rows.Init()
	return n
}
