package ws

import (
	"github.com/pulsechat/filecore/pkg/chunks"
	"github.com/pulsechat/filecore/pkg/model"
)

// Client-to-server message types.
const (
	TypeInitiateUpload  = "initiate_upload"
	TypeUploadChunk     = "upload_chunk"
	TypeCompleteUpload  = "complete_upload"
	TypeCancelUpload    = "cancel_upload"
	TypeGetProgress     = "get_progress"
	TypeUploadSmallFile = "upload_small_file"
)

// Server-to-client event types. Acks go to the originating socket; fanout
// events reach every live socket owned by the same user.
const (
	EventUploadInitiated  = "upload_initiated"
	EventChunkUploaded    = "chunk_uploaded"
	EventUploadProgress   = "upload_progress"
	EventUploadCompleted  = "upload_completed"
	EventFileUploaded     = "file_uploaded"
	EventUploadCancelled  = "upload_cancelled"
	EventUploadError      = "upload_error"
	EventProgressResponse = "upload_progress_response"
)

// inbound is the single client message shape. Type selects the operation;
// the other fields are populated per type. UploadID is a client-generated
// correlation id echoed on every response; Data carries chunk or small-file
// bytes, base64 encoded.
type inbound struct {
	Type     string `json:"type"`
	UploadID string `json:"upload_id,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	// initiate_upload / upload_small_file
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// upload_chunk
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	ChunkHash  string `json:"chunk_hash,omitempty"`

	// complete_upload
	FileHash string `json:"file_hash,omitempty"`

	// upload_chunk / upload_small_file payload, base64
	Data string `json:"data,omitempty"`
}

// event is the single server message shape. Responses to a specific chunk
// carry SessionID and ChunkIndex so the client can correlate concurrent
// in-flight chunks.
type event struct {
	Type      string `json:"type"`
	UploadID  string `json:"upload_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Error string `json:"error,omitempty"`

	// upload_initiated
	TotalChunks int   `json:"total_chunks,omitempty"`
	ChunkSize   int64 `json:"chunk_size,omitempty"`

	// chunk_uploaded / upload_progress
	ChunkIndex      *int   `json:"chunk_index,omitempty"`
	Percent         *int   `json:"percent,omitempty"`
	CompletedChunks *int   `json:"completed_chunks,omitempty"`
	Status          string `json:"status,omitempty"`

	// upload_progress_response
	Progress *chunks.Progress `json:"progress,omitempty"`

	// upload_completed / file_uploaded
	File          *model.FileRecord `json:"file,omitempty"`
	IsNew         *bool             `json:"is_new,omitempty"`
	DownloadToken string            `json:"download_token,omitempty"`
	DownloadURL   string            `json:"download_url,omitempty"`
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
