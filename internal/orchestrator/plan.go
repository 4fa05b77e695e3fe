package orchestrator

import (
	"math"

	"github.com/bobarin/beatsync/internal/models"
	"github.com/bobarin/beatsync/internal/tempo"
	"github.com/google/uuid"
)

// minChunkSeconds drops a trailing residual too short to render.
const minChunkSeconds = 0.001

// PlanChunks splits the driver video into consecutive chunks of the job's
// chunk duration. The last chunk may be shorter. Audio starts are shifted by
// the sync offset and target images rotate by chunk index. When the job sets
// target_measures the planned span is capped at that many measures.
//
// The job must be analyzed.
func PlanChunks(job *models.Job, driverDuration float64, beatsPerMeasure int) []models.Chunk {
	if !job.Analyzed() || *job.ChunkDuration <= 0 || len(job.TargetImagePaths) == 0 {
		return nil
	}
	chunkDuration := *job.ChunkDuration
	offset := *job.SyncOffset

	span := driverDuration
	if job.TargetMeasures != nil {
		capped := float64(*job.TargetMeasures) * tempo.SecondsPerMeasure(*job.BPM, beatsPerMeasure)
		span = math.Min(span, capped)
	}

	var chunks []models.Chunk
	for i := 0; ; i++ {
		start := float64(i) * chunkDuration
		remaining := span - start
		if remaining < minChunkSeconds {
			break
		}
		chunks = append(chunks, models.Chunk{
			ID:                uuid.New(),
			JobID:             job.ID,
			ChunkIndex:        i,
			Status:            models.ChunkStatusPending,
			VideoSegmentStart: start,
			Duration:          math.Min(chunkDuration, remaining),
			AudioSegmentStart: start + offset,
			ImageIndex:        i % len(job.TargetImagePaths),
		})
	}
	return chunks
}

// chunkCredits is the accounting charge recorded against a rendered chunk.
func chunkCredits(duration, perSecond float64) int64 {
	return int64(math.Ceil(duration*perSecond - 1e-9))
}
