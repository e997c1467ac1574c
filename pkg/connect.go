// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package lancedb

import (
	"context"

	"github.com/lancedb/lancego/pkg/contracts"
	"github.com/lancedb/lancego/pkg/internal"
)

// Connect establishes a connection to a LanceDB database
func Connect(ctx context.Context, uri string, options *contracts.ConnectionOptions) (contracts.IConnection, error) {
	if uri == "" {
		return nil, contracts.NewValidationError("connect", "uri must not be empty")
	}
	conn, err := internal.NewConnection(ctx, uri, options)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
