package sift

import (
	"github.com/jward/sift/internal/report"
	"github.com/jward/sift/internal/store"
)

// Public type aliases for internal store and report types used in the
// Engine and QueryBuilder APIs. These are Go type aliases (=), identical
// to the internal types at compile time, so no conversion is needed.

type Store = store.DB
type Backend = store.Backend
type InitiateRequest = store.InitiateRequest
type ExecutionState = store.ExecutionState
type TestRecord = store.TestRecord
type TestExecution = store.TestExecution
type Filefp = store.Filefp
type FileFingerprint = store.FileFingerprint
type Determination = store.Determination
type FinishStats = store.FinishStats
type SavingStats = store.SavingStats

type QueryBuilder = report.Reporter
type EnvironmentSummary = report.EnvironmentSummary
type FileDetail = report.FileDetail
type TestDetail = report.TestDetail
type TestDependency = report.TestDependency
type CoDependency = report.CoDependency
