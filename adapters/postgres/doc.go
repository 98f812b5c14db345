// Package postgres stores POS commands in PostgreSQL and turns the new_pos_command
// notification channel into relay wake-ups.
//
// The schema lives in embedded migrations applied by Migrate. Inserting a PENDING row,
// or moving a row back to PENDING, fires pg_notify through a trigger, so callers that
// enqueue inside their own transaction (EnqueueTx) wake the relay only on commit.
package postgres
