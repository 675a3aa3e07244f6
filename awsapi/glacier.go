/*
Copyright 2022 The GAS Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package awsapi

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/glacier"
	"github.com/pkg/errors"
)

// Retrieval tiers. Expedited completes in minutes but is capacity-limited;
// Standard takes hours and always has room.
const (
	TierExpedited = "Expedited"
	TierStandard  = "Standard"
)

// ErrInsufficientCapacity marks Expedited retrievals rejected for lack of
// provisioned capacity; callers fall back to Standard.
var ErrInsufficientCapacity = errors.New("no retrieval capacity at the requested tier")

// ErrArchiveNotFound marks operations on archives the vault no longer has,
// so callers can tell a stale reference from a transport failure.
var ErrArchiveNotFound = errors.New("archive not found")

// ownAccount selects the credential's own account in vault calls.
const ownAccount = "-"

// Vault is the cold-storage gateway.
type Vault struct {
	svc *glacier.Glacier
}

// Vault returns the cold-storage gateway.
func (c *Client) Vault() *Vault {
	return &Vault{svc: glacier.New(c.session)}
}

// Upload stores body as a new archive and returns its archive id.
func (v *Vault) Upload(ctx context.Context, vault string, body io.ReadSeeker) (string, error) {
	out, err := v.svc.UploadArchiveWithContext(ctx, &glacier.UploadArchiveInput{
		AccountId: aws.String(ownAccount),
		VaultName: aws.String(vault),
		Body:      body,
	})
	if err != nil {
		return "", errors.Wrapf(err, "couldn't upload archive to vault %s", vault)
	}
	return aws.StringValue(out.ArchiveId), nil
}

// InitiateRetrieval starts an asynchronous archive retrieval and returns
// the vault's retrieval job id. The description travels with the job and
// comes back in the completion notification sent to topicARN.
func (v *Vault) InitiateRetrieval(ctx context.Context, vault, archiveID, tier, topicARN, description string) (string, error) {
	out, err := v.svc.InitiateJobWithContext(ctx, &glacier.InitiateJobInput{
		AccountId: aws.String(ownAccount),
		VaultName: aws.String(vault),
		JobParameters: &glacier.JobParameters{
			Type:        aws.String("archive-retrieval"),
			ArchiveId:   aws.String(archiveID),
			Description: aws.String(description),
			SNSTopic:    aws.String(topicARN),
			Tier:        aws.String(tier),
		},
	})
	if err != nil {
		switch awsErrorCode(err) {
		case glacier.ErrCodeInsufficientCapacityException:
			return "", errors.Wrapf(ErrInsufficientCapacity, "tier %s on vault %s", tier, vault)
		case glacier.ErrCodeResourceNotFoundException:
			return "", errors.Wrapf(ErrArchiveNotFound, "%s in vault %s", archiveID, vault)
		}
		return "", errors.Wrapf(err, "couldn't initiate %s retrieval of %s", tier, archiveID)
	}
	return aws.StringValue(out.JobId), nil
}

// RetrievalOutput streams the bytes of a completed retrieval job. The
// caller owns the returned reader.
func (v *Vault) RetrievalOutput(ctx context.Context, vault, jobID string) (io.ReadCloser, error) {
	out, err := v.svc.GetJobOutputWithContext(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String(ownAccount),
		VaultName: aws.String(vault),
		JobId:     aws.String(jobID),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't fetch retrieval output %s from vault %s", jobID, vault)
	}
	return out.Body, nil
}

// DeleteArchive removes an archive once its hot copy is restored.
func (v *Vault) DeleteArchive(ctx context.Context, vault, archiveID string) error {
	if _, err := v.svc.DeleteArchiveWithContext(ctx, &glacier.DeleteArchiveInput{
		AccountId: aws.String(ownAccount),
		VaultName: aws.String(vault),
		ArchiveId: aws.String(archiveID),
	}); err != nil {
		if awsErrorCode(err) == glacier.ErrCodeResourceNotFoundException {
			return errors.Wrapf(ErrArchiveNotFound, "%s in vault %s", archiveID, vault)
		}
		return errors.Wrapf(err, "couldn't delete archive %s from vault %s", archiveID, vault)
	}
	return nil
}
