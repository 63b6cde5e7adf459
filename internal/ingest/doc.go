// Package ingest orchestrates resumable video uploads: chunk intake,
// reassembly, hash-based instant uploads and the processing pipeline that
// turns a merged source into HLS renditions.
//
// Overview
//
// The Orchestrator composes the storage and job subsystems:
//
//  1. ChunkStore
//     - One directory per in-flight upload, named by the source file hash.
//     - Chunks are stored by index and reassembled with offset writes.
//
//  2. Video ContentStore
//     - Holds merged files as <hash>.mp4 and answers hash lookups for the
//     instant-upload path.
//
//  3. JobTracker
//     - Progress of merge and processing jobs lives in the shared KV store
//     under <job-type>:<file-hash>.
//
//  4. TranscodePipeline
//     - Probe, rendition ladder, parallel transcodes, segmenting, cleanup.
//
//  5. Bookkeeping Repository
//     - File, rendition and ownership records.
//
// Request Flow
//
//   - FastUpload:
//     Looks the hash up in the video store. A miss is a normal negative
//     result with no side effects. A hit registers (or reuses) the file
//     record and adds an ownership trace for the caller.
//
//   - UploadChunk:
//     Writes one chunk. Re-sending an index overwrites it.
//
//   - BeginMerge:
//     Validates the chunk set synchronously, so malformed uploads are
//     rejected before any background work starts. The job key is then set
//     to "merging" and the merge task is queued. The caller receives the
//     key immediately and polls it.
//
//   - BeginProcessing:
//     Checks that the file exists, is a video and belongs to the caller,
//     then queues the pipeline. The job key advances through the pipeline
//     stages and ends with a JSON result listing the renditions.
//
// Background Work
//
// Tasks run on a bounded worker Queue. A key has at most one active task;
// a duplicate submission while the first is queued or running is absorbed
// and the caller gets the same job key back. Each task runs under its own
// timeout. Failures never reach the original request: they are logged,
// counted, recorded under the tracker's error key and the job key is
// deleted, so pollers see "not found".
//
// Publishing
//
// When a Publisher is configured, finished rendition directories are
// mirrored to object storage before the processing job completes. A
// publishing failure fails the job.
package ingest
