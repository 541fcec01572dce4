// Package notify delivers verification tokens out of band. The SMTP
// dispatcher here is the production implementation; the engine treats
// delivery as best effort and never fails a workflow on a send error.
package notify
