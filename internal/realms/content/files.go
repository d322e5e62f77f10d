package content

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"intentline/internal/apperr"
	"intentline/internal/blob"
	"intentline/internal/domain"
	"intentline/internal/realm"
)

const (
	kindBlob   = "blob"
	kindParsed = "parsed"
)

type fileRealm struct {
	blobs blob.Store
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ingestScope deduplicates on the content hash, deriving it when the caller
// did not supply one.
func ingestScope(params map[string]any) map[string]any {
	if h := stringParam(params, "content_hash"); h != "" {
		return map[string]any{"content_hash": h}
	}
	return map[string]any{"content_hash": contentHash(stringParam(params, "content"))}
}

func (f fileRealm) ingest(ctx context.Context, rc *realm.Context) (realm.Result, error) {
	name := stringParam(rc.Parameters, "file_name")
	content := stringParam(rc.Parameters, "content")
	hash := contentHash(content)
	if claimed := stringParam(rc.Parameters, "content_hash"); claimed != "" && claimed != hash {
		return realm.Result{}, realm.Fail("CONTENT_HASH_MISMATCH", false, "content hashes to %s, not %s", hash, claimed)
	}
	contentType := stringParam(rc.Parameters, "content_type")
	if contentType == "" {
		contentType = "text/plain"
	}

	location, err := f.blobs.Put(ctx, rc.TenantID, "files/"+hash, []byte(content), contentType)
	if err != nil {
		return realm.Result{}, realm.Fail(string(apperr.CodeAdapterError), true, "store file bytes: %v", err)
	}
	if rc.Cancelled() {
		return realm.Result{}, realm.ErrCancelled
	}
	file, err := rc.RegisterArtifact(ctx, realm.ArtifactInput{
		ArtifactType: TypeFile,
		SemanticDescriptor: map[string]any{
			"file_name":      name,
			"size_bytes":     len(content),
			"content_hash":   hash,
			"content_type":   contentType,
			"schema_version": schemaVersion,
		},
		Materializations: []domain.Materialization{{Location: location, Format: contentType, Kind: kindBlob}},
	})
	if err != nil {
		return realm.Result{}, err
	}
	if _, err := rc.Transition(ctx, file.ID, domain.LifecycleReady); err != nil {
		return realm.Result{}, err
	}
	staged := map[string]any{"file_name": name}
	if profile := stringParam(rc.Parameters, "ingestion_profile"); profile != "" {
		staged["ingestion_profile"] = profile
	}
	if _, err := rc.Stage(ctx, IntentParseContent, file.ID, staged); err != nil {
		return realm.Result{}, err
	}
	rc.Log().Info("file ingested", "artifact_id", file.ID, "size_bytes", len(content))
	return realm.Result{Artifacts: map[string]string{"file": file.ID}}, nil
}

type parsed struct {
	Lines []string `json:"lines"`
}

func (f fileRealm) parse(ctx context.Context, rc *realm.Context) (realm.Result, error) {
	fileID := stringParam(rc.Parameters, "file_id")
	file, err := rc.Resolve(ctx, fileID)
	if err != nil {
		return realm.Result{}, err
	}
	if file.ArtifactType != TypeFile {
		return realm.Result{}, apperr.New(apperr.CodeInvalidParameters, "artifact %s is a %s, not a file", fileID, file.ArtifactType).
			WithDetail("artifact_id", fileID)
	}
	if file.LifecycleState != domain.LifecycleReady && file.LifecycleState != domain.LifecycleActive {
		return realm.Result{}, apperr.New(apperr.CodeInvalidTransition, "file %s is %s and cannot be parsed", fileID, file.LifecycleState).
			WithDetail("artifact_id", fileID).
			WithRemediation("wait until the file is READY")
	}

	_, params, err := rc.Resume(ctx, fileID)
	if err != nil {
		return realm.Result{}, err
	}

	var location string
	for _, m := range file.Materializations {
		if m.Kind == kindBlob {
			location = m.Location
			break
		}
	}
	if location == "" {
		return realm.Result{}, realm.Fail("NO_MATERIALIZATION", false, "file %s has no stored bytes", fileID)
	}
	raw, err := f.blobs.Get(ctx, location)
	if err != nil {
		return realm.Result{}, realm.Fail(string(apperr.CodeAdapterError), true, "read %s: %v", location, err)
	}
	if rc.Cancelled() {
		return realm.Result{}, realm.ErrCancelled
	}

	doc := parsed{Lines: []string{}}
	words := 0
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), len(raw)+1)
	for sc.Scan() {
		line := sc.Text()
		doc.Lines = append(doc.Lines, line)
		words += len(strings.Fields(line))
	}
	if err := sc.Err(); err != nil {
		return realm.Result{}, realm.Fail("PARSE_FAILED", false, "scan %s: %v", fileID, err)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return realm.Result{}, fmt.Errorf("encode parsed content: %w", err)
	}
	parsedLoc, err := f.blobs.Put(ctx, rc.TenantID, "parsed/"+rc.ExecutionID+".json", body, "application/json")
	if err != nil {
		return realm.Result{}, realm.Fail(string(apperr.CodeAdapterError), true, "store parsed content: %v", err)
	}

	descriptor := map[string]any{
		"line_count":     len(doc.Lines),
		"word_count":     words,
		"char_count":     utf8.RuneCount(raw),
		"source_file":    fileID,
		"schema_version": schemaVersion,
	}
	if profile, ok := params["ingestion_profile"]; ok {
		descriptor["ingestion_profile"] = profile
	}
	if cfg, ok := params["parser_config"]; ok {
		descriptor["parser_config"] = cfg
	}
	out, err := rc.RegisterArtifact(ctx, realm.ArtifactInput{
		ArtifactType:       TypeParsedContent,
		SemanticDescriptor: descriptor,
		Parents:            []string{fileID},
		Materializations:   []domain.Materialization{{Location: parsedLoc, Format: "application/json", Kind: kindParsed}},
	})
	if err != nil {
		return realm.Result{}, err
	}
	if _, err := rc.Transition(ctx, out.ID, domain.LifecycleReady); err != nil {
		return realm.Result{}, err
	}
	return realm.Result{Artifacts: map[string]string{"parsed_content": out.ID}}, nil
}
