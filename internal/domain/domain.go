package domain

// CodebaseStatus is derived from the statuses of a codebase's repositories.
type CodebaseStatus string

const (
	CodebasePending   CodebaseStatus = "pending"
	CodebaseIngesting CodebaseStatus = "ingesting"
	CodebaseAnalyzing CodebaseStatus = "analyzing"
	CodebaseReady     CodebaseStatus = "ready"
	CodebaseError     CodebaseStatus = "error"
)

// RepoStatus tracks one repository through the clone+scan cycle.
type RepoStatus string

const (
	RepoPending  RepoStatus = "pending"
	RepoCloning  RepoStatus = "cloning"
	RepoScanning RepoStatus = "scanning"
	RepoReady    RepoStatus = "ready"
	RepoError    RepoStatus = "error"
	RepoStale    RepoStatus = "stale"
)

// TransformationStatus is the workflow engine's state.
type TransformationStatus string

const (
	TransformationDraft           TransformationStatus = "draft"
	TransformationPendingApproval TransformationStatus = "pending_approval"
	TransformationApproved        TransformationStatus = "approved"
	TransformationQueued          TransformationStatus = "queued"
	TransformationRunning         TransformationStatus = "running"
	TransformationPaused          TransformationStatus = "paused"
	TransformationCompleted       TransformationStatus = "completed"
	TransformationFailed          TransformationStatus = "failed"
	TransformationCancelled       TransformationStatus = "cancelled"
	TransformationRolledBack      TransformationStatus = "rolled_back"
)

// OversightLevel controls how much human approval a transformation needs
// before execution. Set at creation, immutable through the engine.
type OversightLevel string

const (
	OversightAutonomous  OversightLevel = "autonomous"
	OversightNotify      OversightLevel = "notify"
	OversightReview      OversightLevel = "review"
	OversightCollaborate OversightLevel = "collaborate"
	OversightManual      OversightLevel = "manual"
)

// Valid reports whether the level is one of the known policy values.
func (l OversightLevel) Valid() bool {
	switch l {
	case OversightAutonomous, OversightNotify, OversightReview, OversightCollaborate, OversightManual:
		return true
	}
	return false
}

// TransformationType classifies the proposed change.
type TransformationType string

const (
	TypeRefactor         TransformationType = "refactor"
	TypeMigrate          TransformationType = "migrate"
	TypeConsolidate      TransformationType = "consolidate"
	TypeSecurityFix      TransformationType = "security_fix"
	TypeDependencyUpdate TransformationType = "dependency_update"
	TypeDeadCodeRemoval  TransformationType = "dead_code_removal"
	TypeInfrastructure   TransformationType = "infrastructure"
)

// Valid reports whether the type is one of the known values.
func (t TransformationType) Valid() bool {
	switch t {
	case TypeRefactor, TypeMigrate, TypeConsolidate, TypeSecurityFix,
		TypeDependencyUpdate, TypeDeadCodeRemoval, TypeInfrastructure:
		return true
	}
	return false
}

// Provider identifies the version-control host a repository lives on.
type Provider string

const (
	ProviderGitHub      Provider = "github"
	ProviderGitLab      Provider = "gitlab"
	ProviderBitbucket   Provider = "bitbucket"
	ProviderAzureDevOps Provider = "azure_devops"
	ProviderSVN         Provider = "svn"
	ProviderTFS         Provider = "tfs"
	ProviderPerforce    Provider = "perforce"
	ProviderLocal       Provider = "local"
)

// Valid reports whether the provider is a known value.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGitHub, ProviderGitLab, ProviderBitbucket, ProviderAzureDevOps,
		ProviderSVN, ProviderTFS, ProviderPerforce, ProviderLocal:
		return true
	}
	return false
}

// CodebaseSettings are user-tunable knobs stored with the codebase.
type CodebaseSettings struct {
	AutoAnalyze     bool     `json:"auto_analyze"`
	AnalysisDepth   string   `json:"analysis_depth,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
}

// Codebase groups one or more repositories under a tenant.
type Codebase struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      CodebaseStatus   `json:"status" enum:"pending,ingesting,analyzing,ready,error"`
	TotalFiles  int              `json:"total_files"`
	TotalLines  int              `json:"total_lines"`
	Languages   map[string]int   `json:"languages,omitempty"`
	Settings    CodebaseSettings `json:"settings"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	UpdatedAt   string           `json:"updated_at" format:"date-time"`
}

// Repository is one connected version-control remote.
type Repository struct {
	ID            string         `json:"id"`
	CodebaseID    string         `json:"codebase_id"`
	Provider      Provider       `json:"provider" enum:"github,gitlab,bitbucket,azure_devops,svn,tfs,perforce,local"`
	URL           string         `json:"url"`
	Branch        string         `json:"branch,omitempty"`
	CredentialRef string         `json:"-"`
	Status        RepoStatus     `json:"status" enum:"pending,cloning,scanning,ready,error,stale"`
	TotalFiles    int            `json:"total_files"`
	TotalLines    int            `json:"total_lines"`
	Languages     map[string]int `json:"languages,omitempty"`
	SizeBytes     int64          `json:"size_bytes"`
	LastCommit    string         `json:"last_commit,omitempty"`
	LastCommitAt  *string        `json:"last_commit_at,omitempty" format:"date-time"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

// TransformationScope references the artifacts a transformation targets.
// References are by id only; the engine never dereferences finding content.
type TransformationScope struct {
	RepositoryIDs []string `json:"repository_ids,omitempty"`
	FilePaths     []string `json:"file_paths,omitempty"`
	FindingIDs    []string `json:"finding_ids,omitempty"`
	PlaybookIDs   []string `json:"playbook_ids,omitempty"`
}

// PlanStep is one ordered step of a transformation plan.
type PlanStep struct {
	Order            int    `json:"order"`
	Name             string `json:"name"`
	Status           string `json:"status" enum:"pending,running,done,skipped"`
	EstimatedMinutes int    `json:"estimated_minutes,omitempty"`
	EstimatedChanges int    `json:"estimated_changes,omitempty"`
}

// Execution records the live progress of a running transformation.
type Execution struct {
	StartedAt    *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
	Progress     int     `json:"progress"`
	CurrentStep  string  `json:"current_step,omitempty"`
	FilesChanged int     `json:"files_changed"`
	LinesChanged int     `json:"lines_changed"`
	TestsRun     int     `json:"tests_run"`
	TestsPassed  int     `json:"tests_passed"`
}

// Output is the artifact produced by a completed transformation.
type Output struct {
	PRURL     string   `json:"pr_url,omitempty"`
	Branch    string   `json:"branch,omitempty"`
	Commits   []string `json:"commits,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Rollback describes whether and how a completed transformation can be undone.
type Rollback struct {
	Available bool   `json:"available"`
	BackupRef string `json:"backup_ref,omitempty"`
}

// Approval is one append-only entry in a transformation's approval log.
type Approval struct {
	ID               string `json:"id"`
	TransformationID string `json:"transformation_id"`
	ActorID          string `json:"actor_id"`
	Action           string `json:"action" enum:"approve,reject"`
	Comment          string `json:"comment,omitempty"`
	TS               string `json:"ts" format:"date-time"`
}

// Transformation is a proposed, approvable, executable code change.
// Mutated exclusively through the workflow engine.
type Transformation struct {
	ID          string               `json:"id"`
	CodebaseID  string               `json:"codebase_id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Type        TransformationType   `json:"type"`
	Status      TransformationStatus `json:"status" enum:"draft,pending_approval,approved,queued,running,paused,completed,failed,cancelled,rolled_back"`
	Oversight   OversightLevel       `json:"oversight" enum:"autonomous,notify,review,collaborate,manual"`
	Scope       TransformationScope  `json:"scope"`
	Plan        []PlanStep           `json:"plan,omitempty"`
	Execution   Execution            `json:"execution"`
	Output      *Output              `json:"output,omitempty"`
	Rollback    Rollback             `json:"rollback"`
	Approvals   []Approval           `json:"approvals,omitempty"`
	Error       string               `json:"error,omitempty"`
	Version     int64                `json:"version"`
	CreatedAt   string               `json:"created_at" format:"date-time"`
	UpdatedAt   string               `json:"updated_at" format:"date-time"`
}

// Analysis is a reference record for an external analysis run.
type Analysis struct {
	ID         string `json:"id"`
	CodebaseID string `json:"codebase_id"`
	Status     string `json:"status"`
	Depth      string `json:"depth,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Finding is a located issue produced by an external analysis.
type Finding struct {
	ID           string `json:"id"`
	AnalysisID   string `json:"analysis_id"`
	CodebaseID   string `json:"codebase_id"`
	Severity     string `json:"severity" enum:"critical,high,medium,low,info"`
	Category     string `json:"category,omitempty"`
	FilePath     string `json:"file_path"`
	StartLine    int    `json:"start_line"`
	EndLine      int    `json:"end_line"`
	Title        string `json:"title"`
	SuggestedFix string `json:"suggested_fix,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only journal.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CodebaseID string `json:"codebase_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates an actor against the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
