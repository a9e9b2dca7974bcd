package server

import (
	"encoding/json"

	"hellafresh/internal/domain"
	"hellafresh/internal/engine"
	"hellafresh/internal/quorum"
)

// Request payloads

type SubmitWordRequest struct {
	Text         string   `json:"text" minLength:"1" maxLength:"64"`
	Definition   string   `json:"definition" minLength:"1" maxLength:"2000"`
	UsageExample string   `json:"usage_example,omitempty" maxLength:"1000"`
	Origin       string   `json:"origin,omitempty"`
	Tags         []string `json:"tags,omitempty" maxItems:"10"`
}

type CastVoteRequest struct {
	Decision  string `json:"decision" enum:"approve,reject"`
	Rationale string `json:"rationale,omitempty" maxLength:"2000"`
}

// Response payloads

type RootResponse struct {
	Message  string `json:"message" example:"Welcome to HellaFresh API"`
	Version  string `json:"version" example:"1.0.0"`
	Status   string `json:"status" example:"active"`
	BasePath string `json:"base_path" example:"/v1"`
}

type HealthResponse struct {
	Status  string `json:"status" example:"healthy"`
	Service string `json:"service" example:"hellafresh-api"`
}

type OriginResponse struct {
	Location    string `json:"location,omitempty"`
	SubmittedAt string `json:"submitted_at"`
}

type WordResponse struct {
	ID            string         `json:"id"`
	Text          string         `json:"text"`
	Definition    string         `json:"definition"`
	UsageExample  string         `json:"usage_example,omitempty"`
	Origin        OriginResponse `json:"origin"`
	SubmittedBy   string         `json:"submitted_by,omitempty"`
	Tags          []string       `json:"tags"`
	Status        string         `json:"status" enum:"pending,under_review,approved,rejected,minted"`
	StatusLabel   string         `json:"status_label" example:"Pending Review"`
	MintReference string         `json:"mint_reference,omitempty"`
	MintFlag      string         `json:"mint_flag,omitempty"`
	MintError     string         `json:"mint_error,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	ResolvedAt    *string        `json:"resolved_at,omitempty"`
	MintedAt      *string        `json:"minted_at,omitempty"`
}

type VoteResponse struct {
	WordID     string `json:"word_id"`
	ReviewerID string `json:"reviewer_id"`
	Decision   string `json:"decision" enum:"approve,reject"`
	Rationale  string `json:"rationale,omitempty"`
	CastAt     string `json:"cast_at"`
	Seq        int64  `json:"seq"`
}

type TallyResponse struct {
	Counted  int `json:"counted"`
	Approve  int `json:"approve"`
	Reject   int `json:"reject"`
	Required int `json:"required"`
}

type VoteSummaryResponse struct {
	WordID     string         `json:"word_id"`
	Status     string         `json:"status"`
	Votes      []VoteResponse `json:"votes"`
	Resolution string         `json:"resolution" enum:"pending,approved,rejected"`
	Tally      TallyResponse  `json:"tally"`
}

type VoteResultResponse struct {
	Vote       VoteResponse  `json:"vote"`
	Resolution string        `json:"resolution" enum:"pending,approved,rejected"`
	Tally      TallyResponse `json:"tally"`
	Word       WordResponse  `json:"word"`
	Committed  bool          `json:"committed"`
}

type MintJobResponse struct {
	WordID        string `json:"word_id"`
	Status        string `json:"status" enum:"pending,processing,failed,exhausted,fatal"`
	AttemptCount  int    `json:"attempt_count"`
	NextAttemptAt string `json:"next_attempt_at"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	WordID  string         `json:"word_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type StatusResponse struct {
	Words     map[string]int `json:"words"`
	MintJobs  map[string]int `json:"mint_jobs"`
	Quorum    int            `json:"quorum"`
	TiePolicy string         `json:"tie_policy"`
}

type paginatedWords struct {
	Items      []WordResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type listMintJobs struct {
	Items []MintJobResponse `json:"items"`
}

type listVotes struct {
	Items []VoteResponse `json:"items"`
}

func wordResponse(w domain.Word) WordResponse {
	return WordResponse{
		ID:           w.ID,
		Text:         w.Text,
		Definition:   w.Definition,
		UsageExample: w.UsageExample,
		Origin: OriginResponse{
			Location:    w.Origin.Location,
			SubmittedAt: w.Origin.SubmittedAt,
		},
		SubmittedBy:   w.SubmittedBy,
		Tags:          nonNilSlice(w.Tags),
		Status:        string(w.Status),
		StatusLabel:   w.Status.Label(),
		MintReference: w.MintReference,
		MintFlag:      w.MintFlag,
		MintError:     w.MintError,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
		ResolvedAt:    w.ResolvedAt,
		MintedAt:      w.MintedAt,
	}
}

func voteResponse(v domain.Vote) VoteResponse {
	return VoteResponse{
		WordID:     v.WordID,
		ReviewerID: v.ReviewerID,
		Decision:   string(v.Decision),
		Rationale:  v.Rationale,
		CastAt:     v.CastAt,
		Seq:        v.Seq,
	}
}

func tallyResponse(t quorum.Tally) TallyResponse {
	return TallyResponse{Counted: t.Counted, Approve: t.Approve, Reject: t.Reject, Required: t.Required}
}

func voteSummaryResponse(s engine.VoteSummary) VoteSummaryResponse {
	return VoteSummaryResponse{
		WordID:     s.WordID,
		Status:     string(s.Status),
		Votes:      mapVotes(s.Votes),
		Resolution: string(s.Resolution),
		Tally:      tallyResponse(s.Tally),
	}
}

func voteResultResponse(r engine.VoteResult) VoteResultResponse {
	return VoteResultResponse{
		Vote:       voteResponse(r.Vote),
		Resolution: string(r.Resolution),
		Tally:      tallyResponse(r.Tally),
		Word:       wordResponse(r.Word),
		Committed:  r.Committed,
	}
}

func mintJobResponse(j domain.MintJob) MintJobResponse {
	return MintJobResponse{
		WordID:        j.WordID,
		Status:        j.Status,
		AttemptCount:  j.AttemptCount,
		NextAttemptAt: j.NextAttemptAt,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		WordID:  e.WordID,
		ActorID: e.ActorID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func mapWords(items []domain.Word) []WordResponse {
	res := make([]WordResponse, 0, len(items))
	for _, w := range items {
		res = append(res, wordResponse(w))
	}
	return res
}

func mapVotes(items []domain.Vote) []VoteResponse {
	res := make([]VoteResponse, 0, len(items))
	for _, v := range items {
		res = append(res, voteResponse(v))
	}
	return res
}

func mapMintJobs(items []domain.MintJob) []MintJobResponse {
	res := make([]MintJobResponse, 0, len(items))
	for _, j := range items {
		res = append(res, mintJobResponse(j))
	}
	return res
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
