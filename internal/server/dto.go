package server

import (
	"codeforge/internal/domain"
)

type CreateCodebaseRequest struct {
	TenantID    string                   `json:"tenant_id" example:"acme"`
	Name        string                   `json:"name" example:"billing-suite"`
	Description *string                  `json:"description,omitempty"`
	Settings    *domain.CodebaseSettings `json:"settings,omitempty"`
}

type UpdateCodebaseRequest struct {
	Name        *string                  `json:"name,omitempty"`
	Description *string                  `json:"description,omitempty"`
	Settings    *domain.CodebaseSettings `json:"settings,omitempty"`
}

type CreateRepositoryRequest struct {
	Provider   string  `json:"provider" enum:"github,gitlab,bitbucket,azure_devops,svn,tfs,perforce,local"`
	URL        string  `json:"url" example:"https://github.com/acme/billing.git"`
	Branch     *string `json:"branch,omitempty"`
	Credential *string `json:"credential,omitempty" doc:"Plaintext credential; stored as an encoded reference and never returned"`
}

type CreateTransformationRequest struct {
	Name        string                     `json:"name"`
	Description *string                    `json:"description,omitempty"`
	Type        string                     `json:"type" enum:"refactor,migrate,consolidate,security_fix,dependency_update,dead_code_removal,infrastructure"`
	Oversight   *string                    `json:"oversight,omitempty" enum:"autonomous,notify,review,collaborate,manual"`
	Scope       *domain.TransformationScope `json:"scope,omitempty"`
	Plan        []domain.PlanStep          `json:"plan,omitempty"`
}

type ApprovalRequest struct {
	Comment *string `json:"comment,omitempty"`
}

type RejectionRequest struct {
	Comment string `json:"comment" doc:"Required; returned to the author with the draft"`
}

type ProgressRequest struct {
	Progress int     `json:"progress" minimum:"0" maximum:"100"`
	Step     *string `json:"step,omitempty"`
}

type CompleteRequest struct {
	Output       *domain.Output `json:"output,omitempty"`
	BackupRef    *string        `json:"backup_ref,omitempty"`
	FilesChanged int            `json:"files_changed,omitempty"`
	LinesChanged int            `json:"lines_changed,omitempty"`
	TestsRun     int            `json:"tests_run,omitempty"`
	TestsPassed  int            `json:"tests_passed,omitempty"`
}

type FailRequest struct {
	Error string `json:"error"`
}

type CreateAnalysisRequest struct {
	Depth *string `json:"depth,omitempty"`
}

type CreateFindingRequest struct {
	AnalysisID   string `json:"analysis_id"`
	Severity     string `json:"severity" enum:"critical,high,medium,low,info"`
	Category     *string `json:"category,omitempty"`
	FilePath     string `json:"file_path"`
	StartLine    int    `json:"start_line,omitempty"`
	EndLine      int    `json:"end_line,omitempty"`
	Title        string `json:"title"`
	SuggestedFix *string `json:"suggested_fix,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key" doc:"Shown once; only the hash is stored"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type IngestResponse struct {
	Repository domain.Repository `json:"repository"`
	Accepted   bool              `json:"accepted"`
}

type CodebaseIngestResponse struct {
	Results []RepoIngestResult `json:"results"`
}

type RepoIngestResult struct {
	RepoID     string             `json:"repo_id"`
	Repository *domain.Repository `json:"repository,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
