// Package logx is a thin zerolog wrapper shared by every alertbot component.
//
// Console output is human-readable with a short caller; file output is JSON
// lines. Level and sinks can be swapped at runtime through Service.Apply when
// the config is reloaded. Use Tenant to tag lines that concern one tenant.
package logx
