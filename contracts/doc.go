// Package contracts defines the message envelope exchanged between modules.
//
// An envelope carries a dot-segmented routing key, an encoded body tagged with
// its content type, and headers holding the hop trace, the publish timestamp
// and the publishing module. Routing keys prefixed with "query." are requests
// that expect a reply; every other key is a fire-and-forget event.
package contracts
