package main

import (
	"errors"

	"github.com/loykin/panel/internal/model"
	"github.com/loykin/panel/pkg/client"
)

// isSupervisorErr reports a failure of the host supervisor, locally or as
// relayed by a remote server.
func isSupervisorErr(err error) bool {
	var sup *model.SupervisorError
	if errors.As(err, &sup) {
		return true
	}
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.Kind == "supervisor"
}
