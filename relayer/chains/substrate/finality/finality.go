// Package finality verifies the finality of Substrate chains: GRANDPA
// justifications over relay or standalone chains and BEEFY commitments
// anchored in the relay chain MMR.
package finality
