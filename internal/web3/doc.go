// Package web3 abstracts blockchain access for the tool layer. Concrete
// implementations live in subpackages (ethereum for EVM compatible chains)
// and are assembled by the provider registry from a YAML chain catalog.
package web3
