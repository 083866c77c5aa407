// Copyright 2020 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errs

import "github.com/pingcap/errors"

// throughput control errors
var (
	ErrInvalidThroughputConfig        = errors.Normalize("invalid throughput control config, %s", errors.RFCCodeText("TC:throughput:ErrInvalidThroughputConfig"))
	ErrControllerAlreadyInitialized   = errors.Normalize("request controller %s has already been initialized", errors.RFCCodeText("TC:throughput:ErrControllerAlreadyInitialized"))
	ErrControllerClosed               = errors.Normalize("request controller %s has been closed", errors.RFCCodeText("TC:throughput:ErrControllerClosed"))
	ErrControllerInitFailed           = errors.Normalize("request controller %s init failed", errors.RFCCodeText("TC:throughput:ErrControllerInitFailed"))
	ErrGroupControllerNotStarted      = errors.Normalize("throughput group %s does not start", errors.RFCCodeText("TC:throughput:ErrGroupControllerNotStarted"))
	ErrGroupControllerExisted         = errors.Normalize("throughput group %s already exists for container %s", errors.RFCCodeText("TC:throughput:ErrGroupControllerExisted"))
	ErrProvisionedThroughputNotExists = errors.Normalize("provisioned throughput of container %s is unavailable", errors.RFCCodeText("TC:throughput:ErrProvisionedThroughputNotExists"))
)

// routing errors
var (
	ErrPartitionKeyRangeLookup   = errors.Normalize("lookup partition key ranges of container %s failed", errors.RFCCodeText("TC:routing:ErrPartitionKeyRangeLookup"))
	ErrContainerNotFound         = errors.Normalize("container %s not found", errors.RFCCodeText("TC:routing:ErrContainerNotFound"))
	ErrPartitionKeyRangeNotFound = errors.Normalize("partition key range %s not found in container %s", errors.RFCCodeText("TC:routing:ErrPartitionKeyRangeNotFound"))
	ErrInvalidKeyRange           = errors.Normalize("invalid key range, %s", errors.RFCCodeText("TC:routing:ErrInvalidKeyRange"))
)

// config and log errors
var (
	ErrLoadConfig  = errors.Normalize("load config failed", errors.RFCCodeText("TC:config:ErrLoadConfig"))
	ErrInitLogger  = errors.Normalize("init logger failed", errors.RFCCodeText("TC:log:ErrInitLogger"))
	ErrParseBudget = errors.Normalize("parse budget %s failed", errors.RFCCodeText("TC:config:ErrParseBudget"))
)
