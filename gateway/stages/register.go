// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stages

import (
	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/kms"
	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/payers"
	"clearpath.io/pagw/gateway/pipeline"
	"clearpath.io/pagw/gateway/stage"
)

// Config holds per-stage handler settings.
type Config struct {
	Notify NotifyConfig
}

// RegisterAll binds every production handler to its stage.
func RegisterAll(log *zap.Logger, runtime *stage.Runtime, objects objectstore.Store, kmsService kms.Service, payerClient payers.Client, bucket, parsedBucket string, config Config) {
	runtime.Register(pipeline.StageParse,
		NewParse(log.Named("parse"), objects, kmsService, bucket, parsedBucket))
	runtime.Register(pipeline.StageValidate,
		NewValidate(log.Named("validate")))
	runtime.Register(pipeline.StageEnrich,
		NewEnrich(log.Named("enrich"), objects, bucket))
	runtime.Register(pipeline.StageConvert,
		NewConvert(log.Named("convert"), objects, bucket))
	runtime.Register(pipeline.StagePayerCall,
		NewPayerCall(log.Named("payer-call"), objects, payerClient, bucket))
	runtime.Register(pipeline.StageBuildResp,
		NewBuildResponse(log.Named("build-response"), objects, bucket))
	runtime.Register(pipeline.StageNotify,
		NewNotify(log.Named("notify"), config.Notify))
	runtime.Register(pipeline.StageAttachments,
		NewAttachments(log.Named("attachments"), objects, bucket))
}
