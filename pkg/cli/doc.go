// Package cli implements the berth command line.
//
// # Overview
//
// Every command shares one App, which loads configuration (--config, then
// ./berth.yaml, then BERTH_* environment variables) and builds only the
// components the command needs. Local commands act on the install root and
// state database directly; load, unload and reload talk to a running
// "berth serve" over its HTTP API.
//
// # Packages
//
//	berth pack ./hello                      # reads ./hello/plugin.yaml
//	berth pack ./hello --key key.pem --cert cert.pem
//	berth inspect hello-1.0.0.bpkg
//	berth verify hello-1.0.0.bpkg
//
// # Plugins
//
//	berth install com.example.hello --version "[1.0.0,2.0.0)"
//	berth install ./hello-1.0.0.bpkg
//	berth list
//	berth disable com.example.hello
//	berth updates
//	berth update --all
//	berth uninstall com.example.hello
//
// # Repositories
//
//	berth repo add main https://plugins.example.com --priority 10
//	berth repo add mirror s3://bucket/catalog --region us-east-1
//	berth repo sync
//	berth search markdown --tags editor --sort rating --desc
//	berth download com.example.hello -o ./packages
//
// # Server
//
//	berth serve --addr 127.0.0.1:7420
//	berth load com.example.hello
//	berth list --server http://127.0.0.1:7420
package cli
