// Package loop provides the single logical thread of control each node runs
// on. Tasks execute one at a time; work deferred during a task runs after
// it, before the next task is taken.
package loop
